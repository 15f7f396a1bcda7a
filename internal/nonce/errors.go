package nonce

import "errors"

// ErrAbnormalNonceState is returned when the provider reports a mined nonce above its pending nonce.
var ErrAbnormalNonceState = errors.New("mined nonce is higher than pending nonce, this is abnormal data from nodes, retry again later")
