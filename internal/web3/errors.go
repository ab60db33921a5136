package web3

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	gethcore "github.com/ethereum/go-ethereum"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "hyperfleet/internal/errors"
)

// Classify 将 RPC 调用返回的错误归类为统一错误码。
// nil、上下文取消以及已经归类的错误原样返回；ethereum.NotFound 原样返回，
// 调用方据此判断回执尚未产生。
func Classify(method string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, gethcore.NotFound) {
		return err
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	meta := xerrors.WithMetadata("method", method)
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "nonce too high"):
		return xerrors.Wrap(xerrors.CodeNonceConflict, err, "", meta)
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "transfer amount exceeds balance"):
		return xerrors.Wrap(xerrors.CodeInsufficientFunds, err, "", meta)
	case strings.Contains(msg, "execution reverted"):
		return xerrors.Wrap(xerrors.CodeTxReverted, err, "", meta)
	}

	if transient(err, msg) {
		return xerrors.Wrap(xerrors.CodeTransientRPC, err, "", meta)
	}
	return xerrors.Wrap(xerrors.CodeUnknown, err, "rpc call failed", meta)
}

// IsAlreadyKnown 判断节点是否已经在交易池中持有同一笔交易，
// 重发同一笔已签名交易时应视为成功。
func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func transient(err error, msg string) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}
	for _, marker := range []string{"timeout", "connection refused", "connection reset", "too many requests", "rate limit", "header not found", "temporarily unavailable"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
