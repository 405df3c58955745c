package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"

	"catalog-assist/internal/apperror"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParametersByPath(ctx context.Context, in *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// Getter reads a single parameter. The platform client depends on it rather
// than on *Client.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads SecureString parameters, always decrypted.
type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	name, err := c.clean("name", name)
	if err != nil {
		return "", err
	}
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", classify("get parameter", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", apperror.Newf(apperror.KindNotFound, "paramstore: get parameter", "%q: parameter missing value", name)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// GetByPath returns every parameter under path keyed by its name relative to
// path, following pagination. "/catalog-assist/rag-endpoints" under
// "/catalog-assist" is returned as "rag-endpoints".
func (c *Client) GetByPath(ctx context.Context, path string) (map[string]string, error) {
	path, err := c.clean("path", strings.TrimRight(strings.TrimSpace(path), "/"))
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	var next *string
	for {
		page, err := c.api.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:           aws.String(path),
			Recursive:      aws.Bool(true),
			WithDecryption: aws.Bool(true),
			NextToken:      next,
		})
		if err != nil {
			return nil, classify("get parameters by path", path, err)
		}
		if page == nil {
			break
		}
		for _, p := range page.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			out[strings.TrimPrefix(aws.ToString(p.Name), path+"/")] = aws.ToString(p.Value)
		}
		if aws.ToString(page.NextToken) == "" {
			break
		}
		next = page.NextToken
	}
	return out, nil
}

func (c *Client) clean(what, v string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", apperror.Newf(apperror.KindValidation, "paramstore", "%s is required", what)
	}
	return v, nil
}

// classify marks missing parameters as NotFound and access failures as
// Authorization; anything else is left to the generic classifier.
func classify(op, name string, err error) error {
	var notFound *types.ParameterNotFound
	if errors.As(err, &notFound) {
		return apperror.New(apperror.KindNotFound, "paramstore: "+op, fmt.Errorf("%q: %w", name, err))
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.ErrorCode(), "AccessDenied") {
		return apperror.New(apperror.KindAuthorization, "paramstore: "+op, fmt.Errorf("%q: %w", name, err))
	}
	return fmt.Errorf("paramstore: %s %q: %w", op, name, err)
}
