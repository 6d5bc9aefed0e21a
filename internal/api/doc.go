// Package api hosts the JSON/HTTP facade of the broker. Routes:
//   - GET /getj?url=&crawler_data= fetches a page and returns a document.
//   - GET /socialj adds title, description and OpenGraph properties.
//   - POST /set stores a pushed document; /getj serves it until it expires.
//   - GET /healthz for probes and GET /metrics for Prometheus scraping.
package api
