package attachment

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"fieldsync/internal/domain/record"
)

type mockS3 struct {
	mock.Mock
	body []byte
}

func (m *mockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(aws.ToString(in.Bucket), aws.ToString(in.Key), aws.ToString(in.ContentType))
	if in.Body != nil {
		m.body, _ = io.ReadAll(in.Body)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.PutObjectOutput), args.Error(1)
}

func TestS3Uploader_Upload(t *testing.T) {
	path := writeFile(t, "photo.png", pngHeader)

	t.Run("success", func(t *testing.T) {
		client := new(mockS3)
		client.On("PutObject", "fieldsync", "dev/eod_report/F-1/photo.png", "image/png").
			Return(&s3.PutObjectOutput{}, nil)

		u := newS3Uploader(client, "fieldsync", "dev/", slog.Default())
		key, err := u.Upload(context.Background(), record.EntityEODReport, "F-1", path)
		require.NoError(t, err)
		assert.Equal(t, "dev/eod_report/F-1/photo.png", key)
		assert.Equal(t, pngHeader, client.body)
		client.AssertExpectations(t)
	})

	t.Run("generates a folder without domain key", func(t *testing.T) {
		client := new(mockS3)
		client.On("PutObject", "fieldsync", mock.MatchedBy(func(key string) bool {
			return len(key) > len("chat/photo.png") && key[:5] == "chat/"
		}), "image/png").Return(&s3.PutObjectOutput{}, nil)

		u := newS3Uploader(client, "fieldsync", "", slog.Default())
		_, err := u.Upload(context.Background(), record.EntityChat, "", path)
		require.NoError(t, err)
		client.AssertExpectations(t)
	})

	t.Run("put fails", func(t *testing.T) {
		client := new(mockS3)
		client.On("PutObject", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("access denied"))

		u := newS3Uploader(client, "fieldsync", "", slog.Default())
		_, err := u.Upload(context.Background(), record.EntityEODReport, "F-1", path)
		assert.ErrorContains(t, err, "access denied")
	})

	t.Run("missing file never reaches the bucket", func(t *testing.T) {
		client := new(mockS3)
		u := newS3Uploader(client, "fieldsync", "", slog.Default())
		_, err := u.Upload(context.Background(), record.EntityEODReport, "F-1", path+".missing")
		assert.Error(t, err)
		client.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestNewS3Uploader_RequiresBucket(t *testing.T) {
	_, err := NewS3Uploader(context.Background(), S3Config{}, slog.Default())
	assert.Error(t, err)
}
