package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloudvault/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const (
	metaVersionID = "version-id"
	metaCreatedAt = "created-at"
)

// s3API is the subset of the S3 client the store calls.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// s3Store keeps live objects under <user>/live/ and trashed ones under
// <user>/trash/ in a single bucket.
type s3Store struct {
	s3Client  s3API
	presigner presigner
	bucket    string
}

// NewStore creates a new S3-based store.
func NewStore(bucketName string) *s3Store {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		logrus.WithError(err).Fatal("unable to load SDK config")
	}

	s3Client := s3.NewFromConfig(cfg)

	return &s3Store{
		s3Client:  s3Client,
		presigner: s3.NewPresignClient(s3Client),
		bucket:    bucketName,
	}
}

func key(userID, area, objectPath string) string {
	return userID + "/" + area + "/" + objectPath
}

// copySource builds the URL encoded bucket/key value CopyObject expects.
func copySource(bucket, objectKey string) string {
	segments := strings.Split(objectKey, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *s3Store) list(ctx context.Context, userID, area, prefix string) ([]*core.Object, error) {
	base := userID + "/" + area + "/"
	paginator := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(base + prefix),
	})

	objects := make([]*core.Object, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects for user %s: %w", userID, err)
		}
		for _, item := range page.Contents {
			p := strings.TrimPrefix(aws.ToString(item.Key), base)
			modified := aws.ToTime(item.LastModified)
			obj := &core.Object{
				UserID:    userID,
				Path:      p,
				Name:      path.Base(p),
				Size:      aws.ToInt64(item.Size),
				UpdatedAt: modified,
			}
			if area == "trash" {
				obj.TrashedAt = &modified
			}
			objects = append(objects, obj)
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })
	return objects, nil
}

func (s *s3Store) List(ctx context.Context, userID, prefix string) ([]*core.Object, error) {
	return s.list(ctx, userID, "live", prefix)
}

func (s *s3Store) ListTrash(ctx context.Context, userID string) ([]*core.Object, error) {
	return s.list(ctx, userID, "trash", "")
}

func (s *s3Store) Upload(ctx context.Context, object *core.Object) error {
	if object.UserID == "" {
		return fmt.Errorf("UserID cannot be empty")
	}
	p, err := core.CleanPath(object.Path)
	if err != nil {
		return err
	}
	k := key(object.UserID, "live", p)

	now := time.Now().UTC()
	object.CreatedAt = now
	head, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(k)})
	if err == nil {
		if ms, perr := strconv.ParseInt(head.Metadata[metaCreatedAt], 10, 64); perr == nil {
			object.CreatedAt = time.UnixMilli(ms).UTC()
		}
	} else if !isNotFound(err) {
		return fmt.Errorf("failed to check object %s: %w", p, err)
	}

	object.Path = p
	object.Name = path.Base(p)
	object.Size = int64(len(object.Data))
	object.VersionID = ulid.Make().String()
	object.UpdatedAt = now
	object.TrashedAt = nil

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
		Body:   bytes.NewReader(object.Data),
		Metadata: map[string]string{
			metaVersionID: object.VersionID,
			metaCreatedAt: strconv.FormatInt(object.CreatedAt.UnixMilli(), 10),
		},
	}
	if object.ContentType != "" {
		input.ContentType = aws.String(object.ContentType)
	}
	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload object %s: %w", p, err)
	}

	logrus.WithFields(logrus.Fields{"user_id": object.UserID, "path": p, "size": object.Size}).Info("Object uploaded successfully")
	return nil
}

func (s *s3Store) Download(ctx context.Context, userID, objectPath string) (*core.Object, error) {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(userID, "live", objectPath)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, objectPath)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", objectPath, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object data: %w", err)
	}

	obj := &core.Object{
		UserID:      userID,
		Path:        objectPath,
		Name:        path.Base(objectPath),
		ContentType: aws.ToString(resp.ContentType),
		Size:        int64(len(data)),
		VersionID:   resp.Metadata[metaVersionID],
		Data:        data,
		UpdatedAt:   aws.ToTime(resp.LastModified),
	}
	if ms, err := strconv.ParseInt(resp.Metadata[metaCreatedAt], 10, 64); err == nil {
		obj.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return obj, nil
}

// exists reports a missing key as core.ErrNotFound.
func (s *s3Store) exists(ctx context.Context, k, objectPath string) error {
	_, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(k)})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", core.ErrNotFound, objectPath)
		}
		return fmt.Errorf("failed to check object %s: %w", objectPath, err)
	}
	return nil
}

// move copies an object between areas and deletes the source. S3 has no
// rename, so a crash in between leaves a copy in both areas.
func (s *s3Store) move(ctx context.Context, userID, objectPath, from, to string) error {
	src := key(userID, from, objectPath)
	if err := s.exists(ctx, src, objectPath); err != nil {
		return err
	}
	_, err := s.s3Client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(copySource(s.bucket, src)),
		Key:        aws.String(key(userID, to, objectPath)),
	})
	if err != nil {
		return fmt.Errorf("failed to copy object %s: %w", objectPath, err)
	}
	if _, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(src),
	}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", objectPath, err)
	}
	return nil
}

func (s *s3Store) Remove(ctx context.Context, userID, objectPath string) error {
	return s.move(ctx, userID, objectPath, "live", "trash")
}

func (s *s3Store) Restore(ctx context.Context, userID, objectPath string) error {
	return s.move(ctx, userID, objectPath, "trash", "live")
}

func (s *s3Store) Purge(ctx context.Context, userID, objectPath string) error {
	k := key(userID, "trash", objectPath)
	if err := s.exists(ctx, k, objectPath); err != nil {
		return err
	}
	if _, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(k)}); err != nil {
		return fmt.Errorf("failed to purge object %s: %w", objectPath, err)
	}
	return nil
}

// PublicURL returns a presigned GET link for a live object.
func (s *s3Store) PublicURL(ctx context.Context, userID, objectPath string, ttl time.Duration) (string, error) {
	k := key(userID, "live", objectPath)
	if err := s.exists(ctx, k, objectPath); err != nil {
		return "", err
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s: %w", objectPath, err)
	}
	return req.URL, nil
}
