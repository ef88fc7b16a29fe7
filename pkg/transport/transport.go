/*
Copyright ConsenSys AG. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package transport holds the types shared by the individual transport
// implementations under this directory.
package transport

// Response is the envelope correlating a wallet response back to the request
// that produced it. Exactly one of Payload or Error is meaningful. Data
// echoes the caller-supplied application data unchanged.
type Response struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
	Data    string `json:"data"`
	Error   string `json:"error,omitempty"`
}
