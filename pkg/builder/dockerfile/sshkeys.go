package dockerfile

import (
	"fmt"
	"strings"
)

const (
	sshKeyDir = "/ssh-keys/"
	// keyringOffset is the line index the keyring setup is inserted at, right after FROM and its neighbour
	keyringOffset = 2
)

// SSHKeyBuildArg is the build argument carrying the key with the given id
func SSHKeyBuildArg(id string) string {
	return "SSH_KEY_" + id
}

// InjectSSHKeys writes the keys passed as build arguments into the image, registers them with ssh
// and removes them again at the end of the Dockerfile.
func InjectSSHKeys(dockerfile string, keyIDs []string) string {
	if len(keyIDs) == 0 {
		return dockerfile
	}

	lines := strings.Split(dockerfile, "\n")
	setup := []string{
		"RUN ssh-keyscan -H github.com > /etc/ssh/ssh_known_hosts",
		"RUN mkdir " + sshKeyDir,
	}
	for _, id := range keyIDs {
		setup = append(setup,
			"ARG "+SSHKeyBuildArg(id),
			fmt.Sprintf("RUN echo $%s >> %s%s", SSHKeyBuildArg(id), sshKeyDir, id),
		)
	}
	for _, id := range keyIDs {
		p := sshKeyDir + id
		setup = append(setup, fmt.Sprintf(`RUN chmod 0600 %s && echo "IdentityFile %s" >> /etc/ssh/ssh_config`, p, p))
	}

	at := keyringOffset
	if at > len(lines) {
		at = len(lines)
	}
	res := make([]string, 0, len(lines)+len(setup)+len(keyIDs))
	res = append(res, lines[:at]...)
	res = append(res, setup...)
	res = append(res, lines[at:]...)
	for _, id := range keyIDs {
		res = append(res, "RUN rm "+sshKeyDir+id)
	}
	return strings.Join(res, "\n")
}
