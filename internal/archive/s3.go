package archive

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/tradecore/eodstream/internal/config"
)

// NewS3Client builds the object-store client from config. A non-empty
// endpoint selects an S3-compatible store with path-style addressing.
func NewS3Client(cfg config.ArchiveConfig) (*s3.S3, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("object store session: %w", err)
	}
	return s3.New(sess), nil
}
