package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"leadflow/crm/internal/config"
	"leadflow/crm/internal/models"
)

// IInvoiceArchive keeps an immutable copy of each generated invoice.
type IInvoiceArchive interface {
	ArchiveInvoice(ctx context.Context, invoice *models.Invoice) (string, error)
}

// PutObjectAPI is the part of the S3 client the archive uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// s3Archive implements IInvoiceArchive.
type s3Archive struct {
	client PutObjectAPI
	bucket string
}

// NewS3Archive builds an archive from AWS settings. It returns nil when no bucket
// is configured; callers treat a nil archive as disabled.
func NewS3Archive(cfg *config.Config) (IInvoiceArchive, error) {
	if cfg.AwsS3Bucket == "" {
		return nil, nil
	}
	awsCfg, err := aws_config.LoadDefaultConfig(context.TODO(),
		aws_config.WithRegion(cfg.AwsRegion),
		aws_config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AwsAccessKeyID,
			cfg.AwsSecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewInvoiceArchive(s3.NewFromConfig(awsCfg), cfg.AwsS3Bucket), nil
}

// NewInvoiceArchive wraps an S3 client.
func NewInvoiceArchive(client PutObjectAPI, bucket string) IInvoiceArchive {
	return &s3Archive{client: client, bucket: bucket}
}

// ArchiveKey is invoices/<contact_id>/<invoice_number>.json.
func ArchiveKey(invoice *models.Invoice) string {
	return fmt.Sprintf("invoices/%s/%s.json", invoice.ContactID, invoice.InvoiceNumber)
}

// ArchiveInvoice writes the invoice as JSON and returns the object key. Writing the
// same invoice twice overwrites the object with identical content.
func (a *s3Archive) ArchiveInvoice(ctx context.Context, invoice *models.Invoice) (string, error) {
	body, err := json.Marshal(invoice)
	if err != nil {
		return "", fmt.Errorf("failed to encode invoice %s: %w", invoice.ID, err)
	}

	key := ArchiveKey(invoice)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"invoice-id":           invoice.ID,
			"recurring-invoice-id": invoice.RecurringInvoiceID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload invoice archive %s: %w", key, err)
	}
	return key, nil
}
