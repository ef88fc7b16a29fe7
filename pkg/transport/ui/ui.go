/*
Copyright ConsenSys AG. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package ui defines the modal surface the QR and push transports present
// through. Rendering is the host application's concern; the transports only
// depend on these signatures.
package ui

import "github.com/hyperledger/aries-framework-go/component/log"

var logger = log.New("uport-transports/ui")

// Modal is the presentation collaborator used by the transports.
type Modal interface {
	// Open displays a request URI (typically as a QR image). cancel is
	// invoked when the user dismisses the modal.
	Open(uri string, cancel func(), displayText string)

	// Close dismisses the modal.
	Close()

	// NotifyPushSent tells the user a push notification was sent. fallback
	// is invoked when the user indicates the push never arrived.
	NotifyPushSent(fallback func())

	// Success shows a terminal success state.
	Success()

	// Failure shows a retry-capable failure state.
	Failure(retry func())
}

// Noop is a Modal that does nothing, for hosts that surface requests some
// other way.
type Noop struct{}

// Open implements Modal.
func (Noop) Open(string, func(), string) {}

// Close implements Modal.
func (Noop) Close() {}

// NotifyPushSent implements Modal.
func (Noop) NotifyPushSent(func()) {}

// Success implements Modal.
func (Noop) Success() {}

// Failure implements Modal.
func (Noop) Failure(func()) {}

// Logging is a Modal that records every presentation call through the
// package logger. Useful for headless hosts and debugging.
type Logging struct{}

// Open implements Modal.
func (Logging) Open(uri string, _ func(), displayText string) {
	logger.Infof("modal open: %s (%s)", uri, displayText)
}

// Close implements Modal.
func (Logging) Close() {
	logger.Infof("modal close")
}

// NotifyPushSent implements Modal.
func (Logging) NotifyPushSent(func()) {
	logger.Infof("push notification sent")
}

// Success implements Modal.
func (Logging) Success() {
	logger.Infof("modal success")
}

// Failure implements Modal.
func (Logging) Failure(func()) {
	logger.Infof("modal failure")
}
