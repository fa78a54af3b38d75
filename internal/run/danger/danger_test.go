package danger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDangerous(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    bool
	}{
		{"empty", "", false},
		{"whitespace only", "   ", false},
		{"plain ls", "ls -la", false},
		{"rm rf root", "rm -rf /", true},
		{"rm fr spelling", "rm -fr /home", true},
		{"rm combined flags", "rm -rvf /var", true},
		{"rm uppercase", "RM -RF /", true},
		{"rm chained", "cd /tmp && rm -rf workdir", true},
		{"rm no preserve root", "rm --no-preserve-root -r /", true},
		{"plain rm single file", "rm notes.txt", false},
		{"mkfs", "mkfs /dev/sda1", true},
		{"mkfs ext4", "mkfs.ext4 /dev/sda1", true},
		{"dd to device", "dd if=/dev/zero of=/dev/sda bs=1M", true},
		{"dd to file", "dd if=/dev/zero of=./disk.img bs=1M count=1", false},
		{"redirect to block device", "echo x > /dev/sda", true},
		{"shutdown", "shutdown -h now", true},
		{"reboot", "sudo reboot", true},
		{"poweroff", "poweroff", true},
		{"halt", "halt", true},
		{"fork bomb", ":(){ :|:& };:", true},
		{"fork bomb spaced", ": ( ) { : | : & } ; :", true},
		{"grep for reboot string", "grep rebooted logs.txt", false},
		{"rsync", "rsync -a src/ dst/", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDangerous(tt.command), "command: %q", tt.command)
		})
	}
}

func TestCommandText(t *testing.T) {
	assert.Equal(t, "rm -rf /", CommandText("rm -rf /"))
	assert.Equal(t, "rm -rf /", CommandText([]any{"rm", "-rf", "/"}))
	assert.Equal(t, "ls", CommandText(map[string]any{"command": "ls"}))
	assert.Equal(t, "pwd", CommandText(map[string]any{"cmd": "pwd"}))
	assert.Equal(t, "", CommandText(map[string]any{"path": "/tmp"}))
	assert.Equal(t, "", CommandText(nil))
	assert.Equal(t, "", CommandText(float64(3)))
}

func TestApprovedDangerousStillDangerous(t *testing.T) {
	// Danger classification is independent of approval state; the same
	// command text always classifies the same way.
	cmd := CommandText(map[string]any{"command": "rm -rf /"})
	assert.True(t, IsDangerous(cmd))
	assert.True(t, IsDangerous(cmd))
}
