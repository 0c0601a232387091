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

package utils

import (
	"math/rand/v2"
	"time"
)

// Jitter applies random jitter to a duration. Implementations must be safe
// for concurrent use.
type Jitter func(time.Duration) time.Duration

// HalfJitter returns a random duration on [d/2, d). Suited to periodic loops
// where breaking synchronization across replicas matters more than keeping
// the exact period.
func HalfJitter(d time.Duration) time.Duration {
	if d < 2 {
		return d
	}
	half := d / 2
	return half + rand.N(half)
}

// SeventhJitter returns a random duration on [6d/7, d). Suited to retries
// where the full delay should mostly be honored.
func SeventhJitter(d time.Duration) time.Duration {
	if d < 7 {
		return d
	}
	seventh := d / 7
	return d - seventh + rand.N(seventh)
}
