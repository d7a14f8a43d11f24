// Package policysrc loads the security header policy overrides document.
package policysrc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/edgeguard/internal/secheaders"
	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

// maxDocumentBytes caps the policy document; it is a few hundred bytes in practice.
const maxDocumentBytes = 1 << 20

// ObjectGetter is the subset of the S3 API used here.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// IsS3 reports whether src names an S3 object.
func IsS3(src string) bool { return strings.HasPrefix(src, "s3://") }

// Load reads overrides from src, a file path or s3://bucket/key. An empty
// src yields zero Overrides. client may be nil for file sources.
func Load(ctx context.Context, src string, client ObjectGetter) (secheaders.Overrides, error) {
	var ov secheaders.Overrides
	if src == "" {
		return ov, nil
	}

	var (
		raw []byte
		err error
	)
	if IsS3(src) {
		raw, err = fetchS3(ctx, src, client)
	} else {
		raw, err = readFile(src)
	}
	if err != nil {
		return ov, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ov); err != nil {
		return ov, xerrors.Wrapf(err, "decode header policy %s", src)
	}
	return ov, nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open header policy %s", path)
	}
	defer f.Close()
	return readCapped(f, path)
}

func fetchS3(ctx context.Context, src string, client ObjectGetter) ([]byte, error) {
	if client == nil {
		return nil, xerrors.New("s3 client is not configured")
	}
	u, err := url.Parse(src)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse %s", src)
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, xerrors.Newf("header policy source %s needs a bucket and key", src)
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()
	return readCapped(out.Body, src)
}

func readCapped(r io.Reader, name string) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read header policy %s", name)
	}
	if len(b) > maxDocumentBytes {
		return nil, xerrors.Newf("header policy %s exceeds %d bytes", name, maxDocumentBytes)
	}
	return b, nil
}
