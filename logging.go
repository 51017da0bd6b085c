// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package optiga

// Fixed structured log attribute keys, used consistently across every
// dispatcher event so a log aggregator can filter on them without parsing
// message text.
const (
	attrLayer     = "layer"
	attrOp        = "op"
	attrOutcome   = "outcome"
	attrResets    = "reset_count"
	attrState     = "state"
	attrErrorCode = "error_code"
)

// logRoundTrip records one completed dispatcher round trip at debug level:
// enough to reconstruct the command stream without the wire-level detail
// that Trace() already carries.
func (d *Device) logRoundTrip(tx []byte, outcome int) {
	if len(tx) == 0 {
		return
	}
	d.config.Logger.Debug("round trip",
		attrLayer, "dispatcher",
		attrOp, "submit",
		attrOutcome, outcome,
	)
}

// logFault records a transport fault and the recovery attempt's result at
// warn level, since a fault means at least one caller got signalled -1.
func (d *Device) logFault(cause error, resetErr error) {
	attrs := []any{
		attrLayer, "dispatcher",
		attrOp, "transport_fault",
		attrResets, d.resetCounter.Load(),
	}
	if cause != nil {
		attrs = append(attrs, "cause", cause.Error())
	}
	if resetErr != nil {
		attrs = append(attrs, "reset_error", resetErr.Error())
	}
	d.config.Logger.Warn("transport fault", attrs...)
}

// logStateTransition records a lifecycle state change at info level. The
// dispatcher calls it only for the READY->DRAINING->READY transitions of
// fault recovery; the bind-time transitions and the move to DEAD are not
// logged through it.
func (d *Device) logStateTransition(from, to State) {
	d.config.Logger.Info("state transition",
		attrLayer, "dispatcher",
		attrState, to.String(),
		"from", from.String(),
	)
}

// logElementError records an element-reported command failure at debug
// level; unlike a transport fault this does not affect device health.
func (d *Device) logElementError(errCode byte) {
	d.config.Logger.Debug("element error",
		attrLayer, "dispatcher",
		attrErrorCode, errCode,
	)
}
