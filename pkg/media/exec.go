package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// run 执行外部命令，失败时把 stderr 带进错误信息
func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%s 执行失败: %w", name, err)
		}
		return fmt.Errorf("%s 执行失败: %w (stderr: %s)", name, err, msg)
	}
	return nil
}
