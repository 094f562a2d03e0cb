package archive

import (
	"context"
	"fmt"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/gcsblob"
	"gocloud.dev/gcp"

	// URL openers for blob.OpenBucket.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/micro-manager/mmstore/mm"
)

// OpenBucket returns a blob.Bucket for the given reference.
// The reference should be of the form:
//
//	gcs://<bucketname>
//	s3://<bucketname>[/<prefix>]
//	vast://<endpoint>/<bucketname>
//	file:///<directory>
//	mem://
func OpenBucket(ctx context.Context, ref string) (bucket *blob.Bucket, err error) {
	switch {
	case strings.HasPrefix(ref, "s3://"):
		// Credentials come from the usual AWS config files and AWS_REGION.
		pathpart := strings.TrimPrefix(ref, "s3://")
		parts := strings.SplitN(pathpart, "/", 2)
		bucket, err = blob.OpenBucket(ctx, "s3://"+parts[0])
		if err != nil {
			mm.Errorf("Can't open bucket reference @ %q: %v\n", ref, err)
			return nil, err
		}
		if len(parts) == 2 && parts[1] != "" {
			bucket = blob.PrefixedBucket(bucket, strings.TrimSuffix(parts[1], "/")+"/")
		}

	case strings.HasPrefix(ref, "vast://"):
		// VAST S3-compatible storage at vast://<endpoint>/<bucket>.  AWS_REGION
		// must be set though it is ignored.
		ref := strings.TrimPrefix(ref, "vast://")
		refParts := strings.SplitN(ref, "/", 2)
		if len(refParts) != 2 {
			return nil, fmt.Errorf("vast ref must be of form 'vast://<endpoint>/<bucket>'")
		}
		url := fmt.Sprintf("s3://%s?endpoint=%s&s3ForcePathStyle=true", refParts[1], refParts[0])
		bucket, err = blob.OpenBucket(ctx, url)
		if err != nil {
			mm.Errorf("Can't open bucket reference @ %q: %v\n", ref, err)
			return nil, err
		}

	case strings.HasPrefix(ref, "gcs://"):
		// Google default application credentials.
		creds, err := gcp.DefaultCredentials(ctx)
		if err != nil {
			return nil, err
		}
		client, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
		if err != nil {
			return nil, err
		}
		bucket, err = gcsblob.OpenBucket(ctx, client, strings.TrimPrefix(ref, "gcs://"), nil)
		if err != nil {
			mm.Errorf("Can't open bucket reference @ %q: %v\n", ref, err)
			return nil, err
		}

	default:
		bucket, err = blob.OpenBucket(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("can't open bucket reference @ %q: %v", ref, err)
		}
	}
	return bucket, nil
}
