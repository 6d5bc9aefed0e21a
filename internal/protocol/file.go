package protocol

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

// WriteResponseFile persists resp with the socket framing. The file is
// written under a temporary name and renamed so readers never see a partial
// object.
func WriteResponseFile(path string, resp crawler.FetchResponse) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create response dir: %w", err)
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, EncodeResponse(resp), 0o600); err != nil {
		return fmt.Errorf("write response file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit response file: %w", err)
	}
	return nil
}

// ReadResponseFile loads a response written by WriteResponseFile.
func ReadResponseFile(path string) (crawler.FetchResponse, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("read response file: %w", err)
	}
	resp, err := DecodeResponse(data)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("decode response file %s: %w", path, err)
	}
	return resp, nil
}
