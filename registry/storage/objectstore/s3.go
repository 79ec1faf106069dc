package objectstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Params holds everything needed to construct an S3-backed ObjectStore.
type S3Params struct {
	AccessKey      string
	SecretKey      string
	Region         string
	RegionEndpoint string
	Bucket         string
	Secure         bool
	SkipVerify     bool
	ForcePathStyle bool
}

type s3Store struct {
	s3     *s3.S3
	bucket string
}

// NewS3 builds an ObjectStore backed by an S3-compatible bucket.
func NewS3(params S3Params) (ObjectStore, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("s3: no bucket parameter provided")
	}

	awsConfig := aws.NewConfig()
	if params.AccessKey != "" {
		awsConfig.WithCredentials(credentials.NewStaticCredentials(
			params.AccessKey, params.SecretKey, ""))
	}
	if params.Region != "" {
		awsConfig.WithRegion(params.Region)
	}
	if params.RegionEndpoint != "" {
		awsConfig.WithEndpoint(params.RegionEndpoint)
		awsConfig.WithS3ForcePathStyle(params.ForcePathStyle)
	}
	awsConfig.WithDisableSSL(!params.Secure)
	if params.SkipVerify {
		awsConfig.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		})
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create new session with aws config: %w", err)
	}

	return &s3Store{
		s3:     s3.New(sess),
		bucket: params.Bucket,
	}, nil
}

func (d *s3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	done := trackOp("get")
	resp, err := d.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	done(err)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return resp.Body, nil
}

func (d *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	done := trackOp("exists")
	_, err := d.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	done(err)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *s3Store) Put(ctx context.Context, key string, length int64, body io.Reader) error {
	done := trackOp("put")
	_, err := d.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(length),
		Body:          aws.ReadSeekCloser(body),
	})
	done(err)
	return err
}

func (d *s3Store) Delete(ctx context.Context, key string) error {
	done := trackOp("delete")
	_, err := d.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	done(err)
	return err
}

func (d *s3Store) InitiateMultipart(ctx context.Context, sessionKey string) (string, error) {
	done := trackOp("initiate_multipart")
	resp, err := d.s3.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(sessionKey),
	})
	done(err)
	if err != nil {
		return "", err
	}
	if resp.UploadId == nil {
		return "", fmt.Errorf("s3: create multipart upload returned no upload id")
	}
	return *resp.UploadId, nil
}

func (d *s3Store) UploadPart(ctx context.Context, uploadID, sessionKey string, partNumber, length int64, body io.Reader) (Chunk, error) {
	done := trackOp("upload_part")
	resp, err := d.s3.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(sessionKey),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int64(partNumber),
		ContentLength: aws.Int64(length),
		Body:          aws.ReadSeekCloser(body),
	})
	done(err)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{
		ETag:       aws.StringValue(resp.ETag),
		PartNumber: partNumber,
	}, nil
}

func (d *s3Store) CompleteMultipart(ctx context.Context, uploadID, sessionKey string, parts []Chunk, finalKey string) (err error) {
	done := trackOp("complete_multipart")
	defer func() { done(err) }()

	completedParts := make([]*s3.CompletedPart, 0, len(parts))
	for _, part := range parts {
		cp := &s3.CompletedPart{
			PartNumber: aws.Int64(part.PartNumber),
		}
		if part.ETag != "" {
			cp.ETag = aws.String(part.ETag)
		}
		completedParts = append(completedParts, cp)
	}

	_, err = d.s3.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(sessionKey),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		return err
	}

	// The composed object lands under the session key; migrate it to the
	// content-addressed key.
	_, err = d.s3.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(d.bucket),
		CopySource: aws.String(d.bucket + "/" + sessionKey),
		Key:        aws.String(finalKey),
	})
	if err != nil {
		return err
	}

	_, err = d.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(sessionKey),
	})
	return err
}

func (d *s3Store) AbortMultipart(ctx context.Context, uploadID, sessionKey string) error {
	done := trackOp("abort_multipart")
	_, err := d.s3.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(sessionKey),
		UploadId: aws.String(uploadID),
	})
	done(err)
	return err
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
