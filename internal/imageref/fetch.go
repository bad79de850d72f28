// Package imageref loads image references submitted by clients, either
// inline data: URLs or http(s) downloads.
package imageref

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// MaxImageBytes caps downloaded references.
const MaxImageBytes = 20 << 20

var (
	// ErrImageTooLarge is returned when a reference exceeds MaxImageBytes.
	ErrImageTooLarge = errors.New("image exceeds size limit")
	// ErrUnsupportedScheme is returned for references that are not data: or http(s).
	ErrUnsupportedScheme = errors.New("unsupported image url scheme")
)

// Fetch loads an image reference. data: URLs are decoded in place.
func Fetch(ctx context.Context, client *http.Client, imageURL string) ([]byte, string, error) {
	if strings.HasPrefix(imageURL, "data:") {
		return DecodeDataURL(imageURL)
	}
	parsed, err := url.Parse(imageURL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedScheme, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, parsed.Scheme)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", err
	}
	response, err := client.Do(request)
	if err != nil {
		return nil, "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: status %d", imageURL, response.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(response.Body, MaxImageBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > MaxImageBytes {
		return nil, "", ErrImageTooLarge
	}
	mimeType, _, err := mime.ParseMediaType(response.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// DecodeDataURL decodes a base64 data: URL into bytes and its media type.
func DecodeDataURL(raw string) ([]byte, string, error) {
	header, payload, found := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !found || !strings.HasSuffix(header, ";base64") {
		return nil, "", fmt.Errorf("unsupported data url")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", err
	}
	return data, strings.TrimSuffix(header, ";base64"), nil
}
