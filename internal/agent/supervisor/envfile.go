package supervisor

import (
	"context"
	"os/exec"
	"strings"
)

// ReadContainerEnvFile reads an env file from inside the container and
// returns parsed KEY=value pairs. The file contains shell `export
// KEY="value"` lines written during workspace bootstrap. A missing file is
// silently skipped.
func ReadContainerEnvFile(ctx context.Context, containerID, path string) []string {
	if path == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "docker", "exec", containerID, "cat", path)
	output, err := cmd.Output()
	if err != nil {
		return nil
	}
	return parseEnvExportLines(string(output))
}

// parseEnvExportLines parses shell `export KEY="value"` lines into KEY=value pairs.
func parseEnvExportLines(content string) []string {
	var result []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eqIdx := strings.Index(line, "=")
		if eqIdx <= 0 {
			continue
		}
		key := line[:eqIdx]
		value := line[eqIdx+1:]
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		result = append(result, key+"="+value)
	}
	return result
}
