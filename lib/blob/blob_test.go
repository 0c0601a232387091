/*
 * Vellum
 * Copyright (C) 2025  Vellum Labs, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package blob

import (
	"fmt"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/vellumlabs/vellum/lib/defaults"
	"github.com/vellumlabs/vellum/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

// newFakeS3Store runs the store against an in-process S3 server.
func newFakeS3Store(t *testing.T, bucket string) *S3Store {
	t.Helper()
	faker := gofakes3.New(s3mem.New())
	srv := httptest.NewServer(faker.Server())
	t.Cleanup(srv.Close)

	awsCfg, err := awsconfig.LoadDefaultConfig(t.Context(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	require.NoError(t, err)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(srv.URL)
		o.UsePathStyle = true
	})

	store, err := NewS3Store(t.Context(), S3Config{
		Bucket:    bucket,
		Region:    "us-east-1",
		Client:    client,
		Presigner: s3.NewPresignClient(client),
	})
	require.NoError(t, err)
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	stores := map[string]Store{
		"s3":     newFakeS3Store(t, "vellum-unit-tests"),
		"memory": NewMemoryStore(clockwork.NewFakeClock()),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			key := CertificateKey("acme_corp", uuid.New(), time.Date(2025, time.March, 14, 12, 0, 0, 0, time.UTC))

			exists, err := store.Exists(ctx, key)
			require.NoError(t, err)
			require.False(t, exists)

			_, err = store.Get(ctx, key)
			require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

			document := []byte("%PDF-1.7 certificate body")
			require.NoError(t, store.Put(ctx, key, document))

			exists, err = store.Exists(ctx, key)
			require.NoError(t, err)
			require.True(t, exists)

			got, err := store.Get(ctx, key)
			require.NoError(t, err)
			require.Equal(t, document, got)

			// Overwrites replace the content.
			reissued := []byte("%PDF-1.7 reissued body")
			require.NoError(t, store.Put(ctx, key, reissued))
			got, err = store.Get(ctx, key)
			require.NoError(t, err)
			require.Equal(t, reissued, got)

			url, err := store.Presign(ctx, key, 0)
			require.NoError(t, err)
			require.NotEmpty(t, url)

			require.NoError(t, store.Delete(ctx, key))
			exists, err = store.Exists(ctx, key)
			require.NoError(t, err)
			require.False(t, exists)

			// Deletes are idempotent.
			require.NoError(t, store.Delete(ctx, key))
		})
	}
}

func TestEnsureBucket(t *testing.T) {
	// Two stores over the same bucket: the second sees it exists already.
	store := newFakeS3Store(t, "shared-bucket")
	require.NoError(t, store.Put(t.Context(), "probe.pdf", []byte("x")))

	_, err := NewS3Store(t.Context(), S3Config{
		Bucket:    "shared-bucket",
		Region:    "us-east-1",
		Client:    store.client,
		Presigner: store.presigner,
	})
	require.NoError(t, err)
}

func TestPresignExpiry(t *testing.T) {
	t.Parallel()
	store := newFakeS3Store(t, "presign-tests")
	ctx := t.Context()
	require.NoError(t, store.Put(ctx, "doc.pdf", []byte("x")))

	tests := []struct {
		name        string
		ttl         time.Duration
		wantSeconds int64
	}{
		{name: "zero falls back to default", ttl: 0, wantSeconds: int64(defaults.PresignTTL.Seconds())},
		{name: "explicit ttl", ttl: 5 * time.Minute, wantSeconds: 300},
		{name: "capped at maximum", ttl: 30 * 24 * time.Hour, wantSeconds: int64(defaults.PresignMaxTTL.Seconds())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, err := store.Presign(ctx, "doc.pdf", tt.ttl)
			require.NoError(t, err)
			require.Contains(t, url, fmt.Sprintf("X-Amz-Expires=%d", tt.wantSeconds))
		})
	}
}

func TestMemoryPresignExpiry(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	ctx := t.Context()
	require.NoError(t, store.Put(ctx, "doc.pdf", []byte("x")))

	url, err := store.Presign(ctx, "doc.pdf", 30*24*time.Hour)
	require.NoError(t, err)
	_, expiresParam, ok := strings.Cut(url, "expires=")
	require.True(t, ok, "presigned url %q has no expiry", url)
	expires, err := strconv.ParseInt(expiresParam, 10, 64)
	require.NoError(t, err)
	require.Equal(t, clock.Now().UTC().Add(defaults.PresignMaxTTL).Unix(), expires)
}

func TestCertificateKey(t *testing.T) {
	t.Parallel()
	id := uuid.MustParse("df6fa3d4-8a36-4a4b-ae26-5d66dd8d4aee")

	key := CertificateKey("acme_corp", id, time.Date(2025, time.March, 14, 12, 0, 0, 0, time.UTC))
	require.Equal(t, "acme_corp/certificates/2025/03/df6fa3d4-8a36-4a4b-ae26-5d66dd8d4aee.pdf", key)

	// Partitioning follows the UTC issue date, whatever zone came in.
	eastOfUTC := time.FixedZone("UTC+10", 10*3600)
	key = CertificateKey("acme_corp", id, time.Date(2025, time.April, 1, 5, 0, 0, 0, eastOfUTC))
	require.Equal(t, "acme_corp/certificates/2025/03/df6fa3d4-8a36-4a4b-ae26-5d66dd8d4aee.pdf", key)
}

func TestConvertS3Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		assertErr require.ErrorAssertionFunc
	}{
		{
			name:      "nil stays nil",
			err:       nil,
			assertErr: require.NoError,
		},
		{
			name: "missing key",
			err:  &s3types.NoSuchKey{Message: aws.String("The specified key does not exist.")},
			assertErr: func(t require.TestingT, err error, _ ...any) {
				require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
			},
		},
		{
			name: "missing bucket",
			err:  &s3types.NoSuchBucket{Message: aws.String("The bucket doesn't exist")},
			assertErr: func(t require.TestingT, err error, _ ...any) {
				require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
			},
		},
		{
			name: "bucket owned already",
			err:  &s3types.BucketAlreadyOwnedByYou{Message: aws.String("already yours")},
			assertErr: func(t require.TestingT, err error, _ ...any) {
				require.True(t, trace.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)
			},
		},
		{
			name: "access denied by code",
			err:  &smithy.GenericAPIError{Code: "AccessDenied", Message: "nope"},
			assertErr: func(t require.TestingT, err error, _ ...any) {
				require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
			},
		},
		{
			name: "not found by code",
			err:  &smithy.GenericAPIError{Code: "NotFound", Message: "404"},
			assertErr: func(t require.TestingT, err error, _ ...any) {
				require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.assertErr(t, ConvertS3Error(tt.err))
		})
	}
}
