// Package secrets resolves the key material the pipeline signs with.
package secrets

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/edgeguard/internal/cryptoutil"
	"github.com/keithlinneman/edgeguard/internal/log"
	"github.com/keithlinneman/edgeguard/internal/xerrors"
)

// ParameterGetter is the subset of the SSM API used here.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Decrypter is the subset of the KMS API used here.
type Decrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Source lists where a key may come from, tried in field order. Literal is
// the raw key; SSMParam names a SecureString; KMSCiphertext is base64.
type Source struct {
	Literal       string
	SSMParam      string
	KMSCiphertext string
}

// NeedsAWS reports whether resolving s calls AWS.
func (s Source) NeedsAWS() bool {
	return s.Literal == "" && (s.SSMParam != "" || s.KMSCiphertext != "")
}

type Resolver struct {
	SSM    ParameterGetter
	KMS    Decrypter
	Logger log.Logger
	// AllowEphemeral permits a random per-process key when no source is set.
	AllowEphemeral bool
	// MinBytes is the shortest acceptable key.
	MinBytes int
}

// Resolve returns the key named by src. name only labels logs and errors.
func (r *Resolver) Resolve(ctx context.Context, name string, src Source) ([]byte, error) {
	logger := r.Logger
	if logger == nil {
		logger = log.Nop()
	}

	var (
		key    []byte
		origin string
		err    error
	)
	switch {
	case src.Literal != "":
		key, origin = []byte(src.Literal), "literal"
	case src.SSMParam != "":
		key, err = r.fromSSM(ctx, src.SSMParam)
		origin = "ssm"
	case src.KMSCiphertext != "":
		key, err = r.fromKMS(ctx, src.KMSCiphertext)
		origin = "kms"
	case r.AllowEphemeral:
		n := max(r.MinBytes, 32)
		key, err = cryptoutil.RandomBytes(n)
		origin = "ephemeral"
		if err == nil {
			logger.Warn(ctx, "no key source configured, using an ephemeral key; tokens will not survive a restart",
				"secret", name)
		}
	default:
		return nil, xerrors.Newf("%s: no key source configured", name)
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "resolve %s from %s", name, origin)
	}
	if len(key) < r.MinBytes {
		return nil, xerrors.Newf("%s from %s is %d bytes, need at least %d", name, origin, len(key), r.MinBytes)
	}
	logger.Info(ctx, "secret resolved", "secret", name, "origin", origin)
	return key, nil
}

func (r *Resolver) fromSSM(ctx context.Context, param string) ([]byte, error) {
	if r.SSM == nil {
		return nil, xerrors.New("ssm client is not configured")
	}
	out, err := r.SSM.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", param)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", param)
	}
	return []byte(v), nil
}

func (r *Resolver) fromKMS(ctx context.Context, b64 string) ([]byte, error) {
	if r.KMS == nil {
		return nil, xerrors.New("kms client is not configured")
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, xerrors.Wrap(err, "decode kms ciphertext")
	}
	out, err := r.KMS.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms decrypt")
	}
	if len(out.Plaintext) == 0 {
		return nil, xerrors.New("kms decrypt returned no plaintext")
	}
	return out.Plaintext, nil
}
