package dynamodb

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	smithyendpoints "github.com/aws/smithy-go/endpoints"
)

// endpointResolver pins the DynamoDB endpoint, e.g. to DynamoDB Local.
type endpointResolver struct {
	endpointURL string
}

var _ dynamodb.EndpointResolverV2 = (*endpointResolver)(nil)

func (r *endpointResolver) ResolveEndpoint(ctx context.Context, params dynamodb.EndpointParameters) (smithyendpoints.Endpoint, error) {
	if r.endpointURL == "" {
		return dynamodb.NewDefaultEndpointResolverV2().ResolveEndpoint(ctx, params)
	}
	u, err := url.Parse(r.endpointURL)
	if err != nil {
		return smithyendpoints.Endpoint{}, &aws.EndpointNotFoundError{
			Err: fmt.Errorf("parse endpoint %q: %w", r.endpointURL, err),
		}
	}
	return smithyendpoints.Endpoint{URI: *u}, nil
}
