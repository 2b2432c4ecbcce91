package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"
)

const contentTypeJSON = "application/json"

// Body is a request payload. The variant decides how it is encoded and which
// Content-Type it carries: JSONBody, FormBody or RawBody.
type Body interface {
	encode() (r io.Reader, contentType string, err error)
}

// JSONBody encodes Value as JSON text with Content-Type application/json.
type JSONBody struct {
	Value any
}

func (b JSONBody) encode() (io.Reader, string, error) {
	data, err := json.Marshal(b.Value)
	if err != nil {
		return nil, "", fmt.Errorf("encoding json body: %w", err)
	}
	return bytes.NewReader(data), contentTypeJSON, nil
}

// FormField is a text part of a multipart form.
type FormField struct {
	Name  string
	Value string
}

// FormFile is a file part of a multipart form.
type FormFile struct {
	Field       string
	Filename    string
	ContentType string
	Content     io.Reader
}

// FormBody encodes fields and files as multipart/form-data. The boundary is
// generated per request and carried in the Content-Type.
type FormBody struct {
	Fields []FormField
	Files  []FormFile
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func (b FormBody) encode() (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range b.Fields {
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return nil, "", fmt.Errorf("writing form field %q: %w", f.Name, err)
		}
	}
	for _, f := range b.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(f.Field), quoteEscaper.Replace(f.Filename)))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("creating form file %q: %w", f.Field, err)
		}
		if f.Content != nil {
			if _, err := io.Copy(part, f.Content); err != nil {
				return nil, "", fmt.Errorf("writing form file %q: %w", f.Field, err)
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// RawBody sends Reader unchanged. ContentType is optional.
type RawBody struct {
	Reader      io.Reader
	ContentType string
}

func (b RawBody) encode() (io.Reader, string, error) {
	return b.Reader, b.ContentType, nil
}
