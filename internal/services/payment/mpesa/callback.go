package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// CallbackAck is the body the provider expects for every delivered callback.
// Anything else makes it redeliver the notification.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Ack is the fixed acknowledgement
var Ack = CallbackAck{ResultCode: 0, ResultDesc: "Success"}

// CallbackResult is a parsed STK push result notification
type CallbackResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            int64
	ReceiptNumber     string
	TransactionDate   *time.Time
	PhoneNumber       string
	Raw               []byte
}

// Succeeded reports whether the payer authorized the charge
func (r *CallbackResult) Succeeded() bool {
	return r.ResultCode == 0
}

type callbackEnvelope struct {
	Body *struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string      `json:"MerchantRequestID"`
	CheckoutRequestID string      `json:"CheckoutRequestID"`
	ResultCode        *flexString `json:"ResultCode"`
	ResultDesc        string      `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []callbackItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type callbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// ParseCallback decodes Body.stkCallback. Missing nested fields yield ErrMalformedCallback.
func ParseCallback(body []byte) (*CallbackResult, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	if cb.ResultCode == nil {
		return nil, fmt.Errorf("%w: missing ResultCode", ErrMalformedCallback)
	}
	code, err := strconv.Atoi(string(*cb.ResultCode))
	if err != nil {
		return nil, fmt.Errorf("%w: non-numeric ResultCode %q", ErrMalformedCallback, string(*cb.ResultCode))
	}

	result := &CallbackResult{
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		ResultCode:        code,
		ResultDesc:        cb.ResultDesc,
		Raw:               body,
	}

	if code != 0 || cb.CallbackMetadata == nil {
		return result, nil
	}

	for _, item := range cb.CallbackMetadata.Item {
		var v flexString
		if len(item.Value) == 0 || json.Unmarshal(item.Value, &v) != nil {
			continue
		}
		switch item.Name {
		case "Amount":
			if f, err := strconv.ParseFloat(string(v), 64); err == nil {
				result.Amount = int64(math.Round(f))
			}
		case "MpesaReceiptNumber":
			result.ReceiptNumber = string(v)
		case "TransactionDate":
			if t, err := parseTimestamp(string(v)); err == nil {
				result.TransactionDate = &t
			}
		case "PhoneNumber":
			result.PhoneNumber = string(v)
		}
	}
	return result, nil
}

// flexString accepts a JSON string or number; Daraja is not consistent about which it sends
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
