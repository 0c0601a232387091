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

package certificates

import (
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/vellumlabs/vellum/lib/defaults"
	"github.com/vellumlabs/vellum/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	all := []Status{StatusPending, StatusProcessing, StatusIssued, StatusFailed, StatusRevoked}
	allowed := map[Status][]Status{
		StatusPending:    {StatusProcessing, StatusIssued, StatusFailed, StatusRevoked},
		StatusProcessing: {StatusIssued, StatusPending, StatusFailed, StatusRevoked},
		StatusFailed:     {StatusProcessing, StatusRevoked},
		StatusIssued:     {StatusRevoked},
		StatusRevoked:    {},
	}
	for _, from := range all {
		for _, to := range all {
			err := checkStatusTransition(from, to)
			switch {
			case from == to:
				// Same-state writes keep duplicate deliveries idempotent.
				require.NoError(t, err, "%v -> %v", from, to)
			case contains(allowed[from], to):
				require.NoError(t, err, "%v -> %v", from, to)
			default:
				require.True(t, trace.IsCompareFailed(err), "%v -> %v: expected CompareFailed, got %v", from, to, err)
			}
		}
	}
}

func contains(statuses []Status, s Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func TestCertificateValidation(t *testing.T) {
	t.Parallel()
	issuedAt := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	valid := func() Certificate {
		return Certificate{
			CustomerID:        1,
			TemplateVersionID: uuid.New(),
			CertificateNumber: "COURSE-20250314-A1B2C3",
			RecipientData:     map[string]any{"recipientName": "Ada Lovelace"},
			IssuedAt:          issuedAt,
		}
	}

	cert := valid()
	require.NoError(t, cert.CheckAndSetDefaults())
	require.Equal(t, StatusPending, cert.Status)

	cert = valid()
	cert.TemplateVersionID = uuid.Nil
	require.True(t, trace.IsBadParameter(cert.CheckAndSetDefaults()))

	cert = valid()
	cert.RecipientData = nil
	require.True(t, trace.IsBadParameter(cert.CheckAndSetDefaults()))

	cert = valid()
	cert.CertificateNumber = ""
	require.True(t, trace.IsBadParameter(cert.CheckAndSetDefaults()))

	cert = valid()
	expired := issuedAt.Add(-time.Hour)
	cert.ExpiresAt = &expired
	require.True(t, trace.IsBadParameter(cert.CheckAndSetDefaults()))

	cert = valid()
	future := issuedAt.AddDate(1, 0, 0)
	cert.ExpiresAt = &future
	require.NoError(t, cert.CheckAndSetDefaults())
	require.False(t, cert.Expired(issuedAt))
	require.True(t, cert.Expired(future.Add(time.Second)))
}

func TestDownloadable(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()

	issued := Certificate{Status: StatusIssued, StoragePath: "acme/certificates/2025/03/x.pdf"}
	require.True(t, issued.Downloadable())

	preview := Certificate{Status: StatusPending, StoragePath: "acme/certificates/2025/03/x.pdf", PreviewGeneratedAt: &now}
	require.True(t, preview.Downloadable())

	pending := Certificate{Status: StatusPending}
	require.False(t, pending.Downloadable())

	revoked := Certificate{Status: StatusRevoked, StoragePath: "acme/certificates/2025/03/x.pdf"}
	require.False(t, revoked.Downloadable())
}

func TestNewCertificateNumber(t *testing.T) {
	t.Parallel()
	issuedAt := time.Date(2025, 3, 14, 23, 30, 0, 0, time.UTC)

	number, err := NewCertificateNumber("course-completion", issuedAt)
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^COURSE-COMPLETION-20250314-[0-9A-F]{6}$`), number)

	// No template code falls back to the CERT prefix.
	number, err = NewCertificateNumber("", issuedAt)
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^CERT-20250314-[0-9A-F]{6}$`), number)

	// The date is the UTC calendar day of the issue instant.
	eastern := time.Date(2025, 3, 14, 23, 30, 0, 0, time.FixedZone("UTC+5", 5*3600))
	number, err = NewCertificateNumber("", eastern)
	require.NoError(t, err)
	require.Contains(t, number, "-20250314-")

	// Oversized codes are truncated to fit the column.
	long := ""
	for range 30 {
		long += "abcdefgh"
	}
	number, err = NewCertificateNumber(long, issuedAt)
	require.NoError(t, err)
	require.LessOrEqual(t, len(number), defaults.CertificateNumberMaxLen)
	require.Regexp(t, regexp.MustCompile(`-20250314-[0-9A-F]{6}$`), number)

	// The random suffix makes draws with identical inputs distinct.
	first, err := NewCertificateNumber("course-completion", issuedAt)
	require.NoError(t, err)
	second, err := NewCertificateNumber("course-completion", issuedAt)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestGenerateRequestValidation(t *testing.T) {
	t.Parallel()
	req := GenerateRequest{
		TemplateCode:  "course-completion",
		RecipientData: map[string]any{"recipientName": "Ada"},
	}
	require.NoError(t, req.CheckAndSetDefaults())

	req = GenerateRequest{RecipientData: map[string]any{"recipientName": "Ada"}}
	err := req.CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "template")

	req = GenerateRequest{TemplateID: 7}
	require.True(t, trace.IsBadParameter(req.CheckAndSetDefaults()))
}

func TestModeCheck(t *testing.T) {
	t.Parallel()
	require.NoError(t, ModeSync.Check())
	require.NoError(t, ModeAsync.Check())
	require.True(t, trace.IsBadParameter(Mode("batch").Check()))
	require.True(t, trace.IsBadParameter(Mode("").Check()))
}
