// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package retry

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/kai-go/pkg/log"
	"github.com/lk2023060901/kai-go/pkg/util/funcutil"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return file + ":" + strconv.Itoa(line)
}

// Do 重试执行 fn，直到成功、遇到不可恢复错误、次数用尽或 ctx 结束。
// 每次失败后的等待时间翻倍，上限为 MaxSleepTime。
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	c := newDefaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	return run(ctx, c, getCaller(2), func() (bool, error) {
		err := fn()
		if err == nil {
			return false, nil
		}
		if !IsRecoverable(err) {
			return false, err
		}
		if c.isRetryErr != nil && !c.isRetryErr(err) {
			return false, err
		}
		return true, err
	})
}

// Handle 与 Do 相同，但由 fn 自行决定是否继续重试。
func Handle(ctx context.Context, fn func() (bool, error), opts ...Option) error {
	c := newDefaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	return run(ctx, c, getCaller(2), fn)
}

func run(ctx context.Context, c *config, caller string, fn func() (bool, error)) error {
	if !funcutil.CheckCtxValid(ctx) {
		return ctx.Err()
	}
	logger := log.Ctx(ctx).With(zap.String("caller", caller), zap.Uint("attempts", c.attempts))

	// giveUp 在放弃时优先返回上一次的业务错误，而不是 ctx 错误。
	var lastErr error
	giveUp := func(err error) error {
		if lastErr != nil && errors.IsAny(err, context.Canceled, context.DeadlineExceeded) {
			return lastErr
		}
		return err
	}

	for i := uint(0); c.attempts == 0 || i < c.attempts; i++ {
		shouldRetry, err := fn()
		if err == nil {
			return nil
		}
		if i%4 == 0 {
			logger.Warn("retry func failed", zap.Uint("retried", i), zap.Error(err))
		}
		if !shouldRetry {
			logger.Warn("retry func failed, not retryable", zap.Uint("retried", i))
			return giveUp(err)
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < c.sleep {
			logger.Warn("retry func failed, deadline too close", zap.Uint("retried", i))
			return giveUp(err)
		}
		lastErr = err

		select {
		case <-time.After(c.sleep):
		case <-ctx.Done():
			logger.Warn("retry func failed, ctx done", zap.Uint("retried", i))
			return lastErr
		}
		c.sleep = min(c.sleep*2, c.maxSleepTime)
	}
	logger.Warn("retry func failed, reach max retry")
	return lastErr
}

var errUnrecoverable = errors.New("unrecoverable error")

// Unrecoverable 标记错误为不可恢复，Do 遇到后立即返回。
func Unrecoverable(err error) error {
	return merr.Combine(err, errUnrecoverable)
}

func IsRecoverable(err error) bool {
	return !errors.Is(err, errUnrecoverable)
}
