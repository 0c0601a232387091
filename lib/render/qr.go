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
	"bytes"
	"encoding/base64"
	"image/png"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"github.com/gravitational/trace"
)

// qrImageSize is the pixel edge of the generated QR code. At 96 DPI print
// scale this comes out around an inch, scannable from paper.
const qrImageSize = 256

// qrDataURI encodes content as a QR code and returns it as a PNG data URI
// suitable for an <img> src.
func qrDataURI(content string) (string, error) {
	if content == "" {
		return "", trace.BadParameter("missing QR content")
	}
	code, err := qr.Encode(content, qr.M, qr.Auto)
	if err != nil {
		return "", trace.Wrap(err, "encoding QR code")
	}
	code, err = barcode.Scale(code, qrImageSize, qrImageSize)
	if err != nil {
		return "", trace.Wrap(err, "scaling QR code")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return "", trace.Wrap(err, "encoding QR PNG")
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
