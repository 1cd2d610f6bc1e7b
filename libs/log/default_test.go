package log_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybridchain/hybridchain/libs/log"
)

func TestNewDefaultLogger(t *testing.T) {
	testCases := map[string]struct {
		format    string
		level     string
		expectErr bool
	}{
		"invalid format": {
			format:    "foo",
			level:     log.LogLevelInfo,
			expectErr: true,
		},
		"invalid level": {
			format:    log.LogFormatJSON,
			level:     "foo",
			expectErr: true,
		},
		"valid format and level": {
			format:    log.LogFormatJSON,
			level:     log.LogLevelInfo,
			expectErr: false,
		},
		"plain format": {
			format:    log.LogFormatPlain,
			level:     log.LogLevelDebug,
			expectErr: false,
		},
	}

	for name, tc := range testCases {
		tc := tc

		t.Run(name, func(t *testing.T) {
			_, err := log.NewDefaultLogger(tc.format, tc.level)
			if tc.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := log.MustNewLogger(&buf, log.LogLevelInfo)

	logger.Debug("hidden", "k", "v")
	logger.Info("shown", "height", 10)
	logger.With("module", "store").Error("failed", "err", "boom")

	out := strings.TrimSpace(buf.String())
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"message":"shown"`)
	require.Contains(t, out, `"height":10`)
	require.Contains(t, out, `"module":"store"`)
	require.Contains(t, out, `"err":"boom"`)
}

func TestLoggerOddKeyVals(t *testing.T) {
	var buf bytes.Buffer
	logger := log.MustNewLogger(&buf, log.LogLevelDebug)

	logger.Info("odd", "dangling")
	require.Contains(t, buf.String(), `"message":"odd"`)
	require.NotContains(t, buf.String(), "dangling")
}
