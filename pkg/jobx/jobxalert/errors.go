package jobxalert

import "github.com/quantified-uncertainty/longterm-wiki/pkg/errx"

var alertErrors = errx.NewRegistry("ALERT")

var ErrSendFailed = alertErrors.Register("SEND_FAILED", errx.TypeExternal, 502, "Failed to deliver alert")
