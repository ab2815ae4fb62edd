package uploadserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bitrise-io/go-uploadsession/chunkupload"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch encoding := negotiateEncoding(r.Header.Get("Accept-Encoding")); encoding {
	case "zstd":
		body = zstdEncoder.EncodeAll(body, nil)
		w.Header().Set("Content-Encoding", encoding)
	case "gzip":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write(body)
		_ = zw.Close()
		body = buf.Bytes()
		w.Header().Set("Content-Encoding", encoding)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, r, status, chunkupload.ServerError{
		Type:      "error",
		Status:    status,
		Code:      code,
		Message:   message,
		RequestID: newID()[:16],
	})
}

// negotiateEncoding picks zstd over gzip when the client accepts both. Quality values are ignored.
func negotiateEncoding(accept string) string {
	var gzipOK bool
	for _, token := range strings.Split(accept, ",") {
		name, _, _ := strings.Cut(token, ";")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "zstd":
			return "zstd"
		case "gzip":
			gzipOK = true
		}
	}
	if gzipOK {
		return "gzip"
	}
	return ""
}
