// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package keyrequest

import (
	"context"
	"encoding/json"
)

const toDeviceEventType = "m.room_key_request"

type wireMessage struct {
	Action            string          `json:"action"`
	RequestingDeviceID string         `json:"requesting_device_id"`
	RequestID         string          `json:"request_id"`
	Body              json.RawMessage `json:"body,omitempty"`
}

// dispatchRequest sends a room_key_request action to every recipient,
// using txnID (RequestTxnID, falling back to RequestID) as the wire
// transaction id so a resend is not deduplicated against a stale copy.
func dispatchRequest(ctx context.Context, t Transport, requestingDeviceID string, rec *OutgoingKeyRequest) error {
	bodyJSON, err := json.Marshal(rec.Fingerprint)
	if err != nil {
		return err
	}
	msg := wireMessage{
		Action:             "request",
		RequestingDeviceID: requestingDeviceID,
		RequestID:          rec.RequestID,
		Body:               bodyJSON,
	}
	txnID := rec.RequestTxnID
	if txnID == "" {
		txnID = rec.RequestID
	}
	return sendFanOut(ctx, t, rec.Recipients, msg, txnID)
}

// dispatchCancellation sends a request_cancellation action to every
// recipient, using CancellationTxnID as the wire transaction id.
func dispatchCancellation(ctx context.Context, t Transport, requestingDeviceID string, rec *OutgoingKeyRequest) error {
	msg := wireMessage{
		Action:             "request_cancellation",
		RequestingDeviceID: requestingDeviceID,
		RequestID:          rec.RequestID,
	}
	return sendFanOut(ctx, t, rec.Recipients, msg, rec.CancellationTxnID)
}

func sendFanOut(ctx context.Context, t Transport, recipients []Recipient, msg wireMessage, txnID string) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	contentMap := make(map[string]map[string]json.RawMessage)
	for _, r := range recipients {
		if contentMap[r.UserID] == nil {
			contentMap[r.UserID] = make(map[string]json.RawMessage)
		}
		contentMap[r.UserID][r.DeviceID] = payload
	}
	return t.SendToDevice(ctx, toDeviceEventType, contentMap, txnID)
}
