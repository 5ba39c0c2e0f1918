package objectstore

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 is an in-memory stand-in for *s3.Client, exercising only the
// methods Gateway calls.
type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	out := &s3.ListObjectsV2Output{}
	for key := range f.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			k := key
			out.Contents = append(out.Contents, s3types.Object{Key: &k})
		}
	}
	return out, nil
}

type fakePresign struct {
	sseSeen map[string]string
}

func newFakePresign() *fakePresign {
	return &fakePresign{sseSeen: map[string]string{}}
}

func (f *fakePresign) PresignPutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if f.sseSeen != nil {
		f.sseSeen[aws.ToString(in.Key)] = aws.ToString(in.SSEKMSKeyId)
	}
	return &v4.PresignedHTTPRequest{URL: "https://fake-bucket.s3.example.com/" + aws.ToString(in.Key)}, nil
}

func (f *fakePresign) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://fake-bucket.s3.example.com/" + aws.ToString(in.Key)}, nil
}
