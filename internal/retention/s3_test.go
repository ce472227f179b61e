package retention

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
	"github.com/Novexpro/Novexpro-sub000/internal/store"
)

type fakeBucket struct {
	objects map[string][]byte
	headErr error
}

func (b *fakeBucket) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if b.headErr != nil {
		return nil, b.headErr
	}
	if _, ok := b.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (b *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := b.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (b *fakeBucket) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.objects[aws.ToString(in.Key)] = data
	return &manager.UploadOutput{Key: in.Key}, nil
}

func TestS3SinkWriteAndExists(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{}}
	sink := NewS3Sink(bucket, bucket, "archive", "novexpro/retention")
	ctx := context.Background()

	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	key := ObjectKey(store.TableObservations, date)

	ok, err := sink.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	part := store.Partition{
		Table: store.TableObservations,
		Date:  date,
		Observations: []model.RawObservation{
			{Date: date, SeriesID: "spot_price", Feed: model.SpotPrice, Value: decimal.NewFromInt(2250)},
			{Date: date, SeriesID: "futures_m1:MAR24", Feed: model.FuturesMonth1, Contract: "MAR24", Value: decimal.NewFromInt(2260)},
		},
	}
	require.NoError(t, sink.Write(ctx, key, part))

	ok, err = sink.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	data, found := bucket.objects["novexpro/retention/raw_observations/2024-03-01.jsonl.gz"]
	require.True(t, found)
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[1], `"series_id":"futures_m1:MAR24"`)

	read, err := sink.Lines(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, lines, read)

	_, err = sink.Lines(ctx, ObjectKey(store.TableObservations, date.AddDate(0, 0, 1)))
	assert.Error(t, err)
}

func TestS3SinkHeadError(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{}, headErr: errors.New("access denied")}
	sink := NewS3Sink(bucket, bucket, "archive", "")

	_, err := sink.Exists(context.Background(), "raw_observations/2024-03-01.jsonl.gz")
	assert.Error(t, err)
}
