package s3backend

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/mock"
)

// fakeS3 is an in-memory multipart upload service.
type fakeS3 struct {
	mu       sync.Mutex
	nextID   int
	uploads  map[string]*fakeUpload
	objects  map[string]fakeObject
	pageSize int32
	// failPart returns an error for the given attempt (0-based) of a part number.
	failPart func(number int32, attempt int) error
	attempts map[int32]int
}

type fakeUpload struct {
	key   string
	parts map[int32]fakePart
}

type fakePart struct {
	data     []byte
	etag     string
	checksum string
}

type fakeObject struct {
	data []byte
	etag string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{uploads: map[string]*fakeUpload{}, objects: map[string]fakeObject{}, attempts: map[int32]int{}}
}

func noSuchUpload() error {
	return &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "The specified upload does not exist."}
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &fakeUpload{key: aws.ToString(params.Key), parts: map[int32]fakePart{}}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Bucket: params.Bucket, Key: params.Key}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	number := aws.ToInt32(params.PartNumber)

	f.mu.Lock()
	attempt := f.attempts[number]
	f.attempts[number]++
	failPart := f.failPart
	f.mu.Unlock()
	if failPart != nil {
		if err := failPart(number, attempt); err != nil {
			return nil, err
		}
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != aws.ToInt64(params.ContentLength) {
		return nil, &smithy.GenericAPIError{Code: "IncompleteBody", Message: "body does not match Content-Length"}
	}
	sum := sha1.Sum(data)
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	if checksum != aws.ToString(params.ChecksumSHA1) {
		return nil, &smithy.GenericAPIError{Code: "BadDigest", Message: "The SHA1 you specified did not match the calculated checksum."}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	upload, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, noSuchUpload()
	}
	etag := fmt.Sprintf(`"%x"`, sum[:8])
	upload.parts[number] = fakePart{data: data, etag: etag, checksum: checksum}
	return &s3.UploadPartOutput{ETag: aws.String(etag), ChecksumSHA1: aws.String(checksum)}, nil
}

func (f *fakeS3) ListParts(_ context.Context, params *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	upload, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, noSuchUpload()
	}

	marker, _ := strconv.Atoi(aws.ToString(params.PartNumberMarker))
	limit := int(aws.ToInt32(params.MaxParts))
	if f.pageSize > 0 {
		limit = int(f.pageSize)
	}

	var numbers []int
	for n := range upload.parts {
		if int(n) > marker {
			numbers = append(numbers, int(n))
		}
	}
	sort.Ints(numbers)

	out := &s3.ListPartsOutput{IsTruncated: aws.Bool(len(numbers) > limit)}
	if len(numbers) > limit {
		numbers = numbers[:limit]
		out.NextPartNumberMarker = aws.String(strconv.Itoa(numbers[len(numbers)-1]))
	}
	for _, n := range numbers {
		p := upload.parts[int32(n)]
		out.Parts = append(out.Parts, types.Part{
			PartNumber:   aws.Int32(int32(n)),
			ETag:         aws.String(p.etag),
			Size:         aws.Int64(int64(len(p.data))),
			ChecksumSHA1: aws.String(p.checksum),
		})
	}
	return out, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(params.UploadId)
	upload, ok := f.uploads[id]
	if !ok {
		return nil, noSuchUpload()
	}

	var content bytes.Buffer
	for i, p := range params.MultipartUpload.Parts {
		number := aws.ToInt32(p.PartNumber)
		stored, ok := upload.parts[number]
		if number != int32(i+1) || !ok || stored.etag != aws.ToString(p.ETag) {
			return nil, &smithy.GenericAPIError{Code: "InvalidPart", Message: fmt.Sprintf("part %d not found", number)}
		}
		content.Write(stored.data)
	}

	etag := fmt.Sprintf(`"%x-%d"`, sha1.Sum(content.Bytes()), len(params.MultipartUpload.Parts))
	f.objects[upload.key] = fakeObject{data: content.Bytes(), etag: etag}
	delete(f.uploads, id)

	return &s3.CompleteMultipartUploadOutput{
		Bucket:   params.Bucket,
		Key:      params.Key,
		ETag:     aws.String(etag),
		Location: aws.String("https://" + aws.ToString(params.Bucket) + ".s3.amazonaws.com/" + upload.key),
	}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(params.UploadId)
	if _, ok := f.uploads[id]; !ok {
		return nil, noSuchUpload()
	}
	delete(f.uploads, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ETag: aws.String(obj.etag), ContentLength: aws.Int64(int64(len(obj.data)))}, nil
}

func (f *fakeS3) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj.data, ok
}

func (f *fakeS3) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.CreateMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *mockClient) UploadPart(ctx context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.UploadPartOutput)
	return out, args.Error(1)
}

func (m *mockClient) ListParts(ctx context.Context, params *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.ListPartsOutput)
	return out, args.Error(1)
}

func (m *mockClient) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.CompleteMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *mockClient) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.AbortMultipartUploadOutput)
	return out, args.Error(1)
}

func (m *mockClient) HeadObject(ctx context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*s3.HeadObjectOutput)
	return out, args.Error(1)
}
