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

import "time"

// Retry budgets named after the external interface's own naming
// (N_PHY, N_DL, N_RESET). These are the only retry counts the core
// itself is allowed to assume; bus bindings may add their own
// lower-level retry underneath reg_write/reg_read but must still
// resolve within these budgets from the dispatcher's point of view.
const (
	// NPHY is the number of attempts for a single register transaction
	// (reg_write, or reg_read's combined select-and-read transaction)
	// before it is reported as a bus-transient failure.
	NPHY = 5
	// PHYRetryDelay is the delay before the first PHY retry; later retries
	// back off exponentially from it (see DefaultRetryConfig).
	PHYRetryDelay = 10 * time.Millisecond

	// NDL is the number of data-link retransmit attempts (timeout or CRC
	// failure on receive) before escalating to a transport fault.
	NDL = 3
	// DLReceiveDeadline is the minimum bound on one dl_recv poll.
	DLReceiveDeadline = 20 * time.Millisecond

	// NReset is the fatal threshold: once the dispatcher's reset counter
	// exceeds this many consecutive transport faults, the device becomes
	// DEAD.
	NReset = 3
)

// PHYBusyPollInterval is the sleep between phy_read_data busy-poll checks
// of the status register's data-available bit.
const PHYBusyPollInterval = 2 * time.Millisecond

// PHYBusyPollTimeout bounds the total time phy_read_data will busy-poll
// before reporting a timeout.
const PHYBusyPollTimeout = 500 * time.Millisecond
