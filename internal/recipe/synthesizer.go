// Package recipe synthesizes container build recipes (Dockerfiles) that
// trust a freshly generated SSH public key and run an SSH daemon as the
// container's foreground process. Synthesis is pure text transformation:
// no I/O, deterministic for a given input.
package recipe

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKeyMaterial indicates public key text that cannot be embedded
// as a single authorized_keys line.
var ErrInvalidKeyMaterial = errors.New("public key material must be a single line")

// SynthesisError represents a user recipe that cannot be safely rewritten.
type SynthesisError struct {
	Message string
}

func (e *SynthesisError) Error() string { return e.Message }

const (
	sshInstallBlock = `RUN apt-get update && DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends \
    openssh-server sudo git curl ca-certificates build-essential \
    && rm -rf /var/lib/apt/lists/*
RUN mkdir -p /var/run/sshd \
    && sed -i 's/#\?PermitRootLogin.*/PermitRootLogin prohibit-password/' /etc/ssh/sshd_config`

	sshForegroundCommand = `CMD ["/usr/sbin/sshd", "-D", "-e"]`
)

// FromImage produces a self-contained recipe on top of baseImage: SSH
// daemon plus baseline dev tooling installed, the given public key as the
// sole trusted credential, and sshd as the foreground process.
func FromImage(baseImage, publicKey string) (string, error) {
	trust, err := trustBlock(publicKey)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", strings.TrimSpace(baseImage))
	b.WriteString(sshInstallBlock + "\n")
	b.WriteString(trust + "\n")
	b.WriteString("EXPOSE 22\n")
	b.WriteString(sshForegroundCommand + "\n")
	return b.String(), nil
}

// FromUserRecipe rewrites a user-supplied recipe so the container it builds
// is SSH-reachable with the given public key. A recipe that already
// installs an SSH server only gains the trust block; otherwise every
// existing foreground-process directive is stripped and the full SSH
// installation is appended, ending with sshd in the foreground.
func FromUserRecipe(recipeText, publicKey string) (string, error) {
	trust, err := trustBlock(publicKey)
	if err != nil {
		return "", err
	}

	lines, err := parseLogicalLines(recipeText)
	if err != nil {
		return "", err
	}

	hasFrom := false
	installsSSH := false
	for _, line := range lines {
		switch line.directive {
		case "FROM":
			hasFrom = true
		case "RUN":
			if referencesSSHServer(line.argument()) {
				installsSSH = true
			}
		}
	}
	if !hasFrom {
		return "", &SynthesisError{Message: "user recipe has no FROM instruction"}
	}

	var b strings.Builder
	if installsSSH {
		// The user already provisions sshd; keep their recipe intact,
		// including any foreground command, and only inject trust.
		writeLines(&b, lines)
		b.WriteString(trust + "\n")
		return b.String(), nil
	}

	for _, line := range lines {
		if line.directive == "CMD" || line.directive == "ENTRYPOINT" {
			continue
		}
		b.WriteString(line.text + "\n")
	}
	b.WriteString(sshInstallBlock + "\n")
	b.WriteString(trust + "\n")
	b.WriteString("EXPOSE 22\n")
	b.WriteString(sshForegroundCommand + "\n")
	return b.String(), nil
}

func trustBlock(publicKey string) (string, error) {
	key := strings.TrimRight(publicKey, "\n")
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: key is empty", ErrInvalidKeyMaterial)
	}
	if strings.ContainsAny(key, "\n\r") {
		return "", ErrInvalidKeyMaterial
	}
	return fmt.Sprintf(`RUN mkdir -p /root/.ssh && chmod 700 /root/.ssh
RUN echo '%s' > /root/.ssh/authorized_keys && chmod 600 /root/.ssh/authorized_keys`, key), nil
}

func referencesSSHServer(argument string) bool {
	lowered := strings.ToLower(argument)
	return strings.Contains(lowered, "openssh-server") ||
		strings.Contains(lowered, "openssh") ||
		strings.Contains(lowered, "sshd")
}

// logicalLine is one recipe instruction after joining continuation lines.
// text preserves the original formatting, continuations included.
type logicalLine struct {
	directive string
	text      string
}

// argument returns the instruction body with continuations flattened.
func (l logicalLine) argument() string {
	joined := strings.ReplaceAll(l.text, "\\\n", " ")
	fields := strings.Fields(joined)
	if len(fields) < 2 {
		return ""
	}
	return strings.Join(fields[1:], " ")
}

// parseLogicalLines groups raw recipe lines into instructions. A trailing
// backslash continues the instruction on the next line. Comments and blank
// lines pass through as directive-less entries.
func parseLogicalLines(text string) ([]logicalLine, error) {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	// Drop the artifact of a trailing newline.
	if len(raw) > 0 && raw[len(raw)-1] == "" {
		raw = raw[:len(raw)-1]
	}

	var lines []logicalLine
	for i := 0; i < len(raw); i++ {
		line := raw[i]
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			lines = append(lines, logicalLine{text: line})
			continue
		}

		full := line
		for strings.HasSuffix(strings.TrimRight(full, " \t"), "\\") && i+1 < len(raw) {
			i++
			full += "\n" + raw[i]
		}

		fields := strings.Fields(trimmed)
		lines = append(lines, logicalLine{
			directive: strings.ToUpper(fields[0]),
			text:      full,
		})
	}
	return lines, nil
}

func writeLines(b *strings.Builder, lines []logicalLine) {
	for _, line := range lines {
		b.WriteString(line.text + "\n")
	}
}
