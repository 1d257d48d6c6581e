package provider_test

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeS3 is a tiny in-memory S3 endpoint covering the calls the remote
// provider makes: bucket HEAD/PUT, object PUT/GET/HEAD/DELETE, and
// ListObjectsV2.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
}

type listBucketResultV2 struct {
	XMLName     xml.Name        `xml:"ListBucketResult"`
	XMLNS       string          `xml:"xmlns,attr"`
	Name        string          `xml:"Name"`
	Prefix      string          `xml:"Prefix"`
	KeyCount    int             `xml:"KeyCount"`
	MaxKeys     int             `xml:"MaxKeys"`
	IsTruncated bool            `xml:"IsTruncated"`
	Contents    []objectSummary `xml:"Contents"`
}

type objectSummary struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type s3Error struct {
	XMLName  xml.Name `xml:"Error"`
	Code     string   `xml:"Code"`
	Message  string   `xml:"Message"`
	Resource string   `xml:"Resource"`
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	t.Helper()

	fake := &fakeS3{buckets: map[string]map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, srv
}

func (f *fakeS3) objectCount(bucket string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buckets[bucket])
}

func parseBucketAndKey(path string) (bucket, key string) {
	clean := strings.Trim(path, "/")
	if clean == "" {
		return "", ""
	}
	bucket, key, _ = strings.Cut(clean, "/")
	return bucket, key
}

func writeS3Error(w http.ResponseWriter, r *http.Request, code string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_ = xml.NewEncoder(w).Encode(s3Error{Code: code, Message: code, Resource: r.URL.Path})
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return "\"" + hex.EncodeToString(sum[:]) + "\""
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key := parseBucketAndKey(r.URL.Path)
	objects, bucketExists := f.buckets[bucket]

	if key == "" {
		switch r.Method {
		case http.MethodHead:
			if !bucketExists {
				writeS3Error(w, r, "NoSuchBucket", http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			if !bucketExists {
				f.buckets[bucket] = map[string][]byte{}
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			if !bucketExists {
				writeS3Error(w, r, "NoSuchBucket", http.StatusNotFound)
				return
			}
			f.listObjects(w, r, bucket, objects)
		default:
			writeS3Error(w, r, "NotImplemented", http.StatusNotImplemented)
		}
		return
	}

	if !bucketExists {
		writeS3Error(w, r, "NoSuchBucket", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPut:
		body, err := readObjectBody(r)
		if err != nil {
			writeS3Error(w, r, "IncompleteBody", http.StatusBadRequest)
			return
		}
		objects[key] = body
		w.Header().Set("ETag", etagOf(body))
		w.WriteHeader(http.StatusOK)

	case http.MethodGet, http.MethodHead:
		data, ok := objects[key]
		if !ok {
			writeS3Error(w, r, "NoSuchKey", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("ETag", etagOf(data))
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}

	case http.MethodDelete:
		delete(objects, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		writeS3Error(w, r, "NotImplemented", http.StatusNotImplemented)
	}
}

func (f *fakeS3) listObjects(w http.ResponseWriter, r *http.Request, bucket string, objects map[string][]byte) {
	prefix := r.URL.Query().Get("prefix")

	result := listBucketResultV2{
		XMLNS:   "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:    bucket,
		Prefix:  prefix,
		MaxKeys: 1000,
	}

	keys := make([]string, 0, len(objects))
	for key := range objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		result.Contents = append(result.Contents, objectSummary{
			Key:          key,
			LastModified: time.Now().UTC().Format(time.RFC3339),
			ETag:         etagOf(objects[key]),
			Size:         int64(len(objects[key])),
			StorageClass: "STANDARD",
		})
	}
	result.KeyCount = len(result.Contents)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_ = xml.NewEncoder(w).Encode(result)
}

// readObjectBody returns the decoded request payload, undoing the
// aws-chunked encoding clients use for streaming signatures.
func readObjectBody(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}

	br := bufio.NewReader(r.Body)
	var out bytes.Buffer
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse chunk size %q: %w", line, err)
		}
		if size == 0 {
			return out.Bytes(), nil
		}

		if _, err := io.CopyN(&out, br, size); err != nil {
			return nil, fmt.Errorf("read chunk body: %w", err)
		}

		crlf := make([]byte, 2)
		if _, err := io.ReadFull(br, crlf); err != nil || string(crlf) != "\r\n" {
			return nil, errors.New("expected CRLF after chunk")
		}
	}
}
