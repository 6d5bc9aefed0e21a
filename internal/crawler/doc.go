// Package crawler holds the canonical request/response model, the backend
// contract every fetch strategy implements, and the validation gates applied
// to each response before its content is trusted.
package crawler
