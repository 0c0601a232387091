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

package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/net/html"
)

// FooterData fills the verification footer of the second pass.
type FooterData struct {
	// CertificateNumber is the human-readable certificate number.
	CertificateNumber string
	// IssuedAt is the certificate issue time.
	IssuedAt time.Time
	// Hash is the base64 SHA-256 of the first-pass document.
	Hash string
	// VerificationURL is the public verification link, also encoded into
	// the QR code.
	VerificationURL string
}

// footerBlock renders the verification footer markup.
func footerBlock(d FooterData) (string, error) {
	switch {
	case d.CertificateNumber == "":
		return "", trace.BadParameter("missing footer certificate number")
	case d.Hash == "":
		return "", trace.BadParameter("missing footer hash")
	case d.VerificationURL == "":
		return "", trace.BadParameter("missing footer verification URL")
	}
	qrURI, err := qrDataURI(d.VerificationURL)
	if err != nil {
		return "", trace.Wrap(err)
	}
	number := html.EscapeString(d.CertificateNumber)
	link := html.EscapeString(d.VerificationURL)

	var b strings.Builder
	b.WriteString(`<div class="certificate-footer" style="margin-top:24px;padding-top:8px;border-top:1px solid #cccccc;display:flex;align-items:center;justify-content:space-between;font-size:10px;color:#444444;">`)
	b.WriteString(`<div class="certificate-footer-text">`)
	fmt.Fprintf(&b, `<p>Certificate No: %s</p>`, number)
	fmt.Fprintf(&b, `<p>Issued: %s</p>`, d.IssuedAt.UTC().Format(time.DateOnly))
	fmt.Fprintf(&b, `<p>Verify at: <a href="%s">%s</a></p>`, link, link)
	b.WriteString(`</div>`)
	fmt.Fprintf(&b, `<img class="certificate-footer-qr" src="%s" alt="Verification QR code" width="96" height="96"/>`, qrURI)
	b.WriteString(`</div>`)
	return b.String(), nil
}

// insertFooter places the footer block into the first-pass document. The
// block goes right before the last </div> preceding </body> when nothing but
// whitespace separates the two, so it lands inside the content wrapper.
// Failing that it goes before </body>, then before </html>, then at the end.
func insertFooter(doc, block string) string {
	lower := strings.ToLower(doc)
	if bodyIdx := strings.LastIndex(lower, "</body>"); bodyIdx >= 0 {
		if divIdx := strings.LastIndex(lower[:bodyIdx], "</div>"); divIdx >= 0 {
			between := doc[divIdx+len("</div>") : bodyIdx]
			if strings.TrimSpace(between) == "" {
				return doc[:divIdx] + block + doc[divIdx:]
			}
		}
		return doc[:bodyIdx] + block + doc[bodyIdx:]
	}
	if htmlIdx := strings.LastIndex(lower, "</html>"); htmlIdx >= 0 {
		return doc[:htmlIdx] + block + doc[htmlIdx:]
	}
	return doc + block
}
