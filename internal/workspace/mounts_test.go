package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/boxctl/boxctl/internal/projectconfig"
)

func TestSSHMountsNilWhenDisabled(t *testing.T) {
	assert.Nil(t, sshMounts(projectconfig.SSH{Enabled: false, Mode: projectconfig.SSHModeMount}))
}

func TestSSHMountsNilWhenModeIsNotMount(t *testing.T) {
	assert.Nil(t, sshMounts(projectconfig.SSH{Enabled: true, Mode: projectconfig.SSHModeKeys}))
}

func TestGPGMountsNilWhenDisabled(t *testing.T) {
	assert.Nil(t, gpgMounts(projectconfig.SSH{Enabled: false, ForwardAgent: true}))
}

func TestGPGMountsNilWhenAgentForwardingOff(t *testing.T) {
	assert.Nil(t, gpgMounts(projectconfig.SSH{Enabled: true, ForwardAgent: false}))
}
