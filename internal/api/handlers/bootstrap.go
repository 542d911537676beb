package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// BootstrapHandler serves the host enrollment script
type BootstrapHandler struct {
	hostScript []byte
}

// NewBootstrapHandler creates a new bootstrap handler
func NewBootstrapHandler() *BootstrapHandler {
	return &BootstrapHandler{hostScript: []byte(hostBootstrapScript)}
}

// GetHostScript returns the host bootstrap script
// GET /api/v1/bootstrap/host.sh
func (h *BootstrapHandler) GetHostScript(c *gin.Context) {
	c.Data(http.StatusOK, "text/x-shellscript; charset=utf-8", h.hostScript)
}

// principalsCommandUser is the system account sshd runs the principals
// lookup as. It is the only account that can read the host token.
const principalsCommandUser = "sshca"

// hostBootstrapScript makes sshd trust user certificates from this CA,
// resolves AuthorizedPrincipals through the API and installs a host
// certificate. It needs CA_SERVER and a host token in SSHCA_TOKEN.
const hostBootstrapScript = `#!/usr/bin/env bash
#
# Host bootstrap script for sshca
#

set -euo pipefail

: "${CA_SERVER:?set CA_SERVER to the sshca base URL}"
: "${SSHCA_TOKEN:?set SSHCA_TOKEN to this host's API token}"

if [ "$EUID" -ne 0 ]; then
    echo "Error: This script must be run as root"
    exit 1
fi

for cmd in curl python3 sshd; do
    if ! command -v "$cmd" > /dev/null 2>&1; then
        echo "Error: $cmd is required but not installed"
        exit 1
    fi
done

echo "=== sshca host bootstrap ==="
echo "CA Server: $CA_SERVER"

PRINCIPALS_USER=` + principalsCommandUser + `
if ! id -u "$PRINCIPALS_USER" > /dev/null 2>&1; then
    echo "Creating system user $PRINCIPALS_USER..."
    useradd --system --no-create-home --home-dir /nonexistent --shell /usr/sbin/nologin "$PRINCIPALS_USER"
fi

install -d -m 0755 /etc/ssh
(umask 077 && printf '%s' "$SSHCA_TOKEN" > /etc/ssh/sshca_token)
chown "$PRINCIPALS_USER:$PRINCIPALS_USER" /etc/ssh/sshca_token
chmod 0400 /etc/ssh/sshca_token

echo "Downloading CA public key..."
curl -fsSL "$CA_SERVER/api/v1/ca.pub" \
    | python3 -c "import sys, json; print(json.load(sys.stdin)['public_key'])" \
    > /etc/ssh/sshca_user_ca.pub
chmod 0644 /etc/ssh/sshca_user_ca.pub

echo "Installing AuthorizedPrincipalsCommand..."
cat > /usr/local/sbin/sshca-principals <<SCRIPT
#!/bin/sh
exec curl -fsS -H "Authorization: Bearer \$(cat /etc/ssh/sshca_token)" \\
    "$CA_SERVER/api/v1/authorized-principals?user=\$1"
SCRIPT
chmod 0755 /usr/local/sbin/sshca-principals

echo "Requesting host certificate..."
HOST_KEY=/etc/ssh/ssh_host_ed25519_key
PAYLOAD=$(python3 -c "import json, sys; print(json.dumps({'public_key': open(sys.argv[1]).read(), 'all_principals': True}))" "$HOST_KEY.pub")
curl -fsSL -X POST "$CA_SERVER/api/v1/sign" \
    -H "Authorization: Bearer $SSHCA_TOKEN" \
    -H "Content-Type: application/json" \
    -d "$PAYLOAD" \
    | python3 -c "import sys, json; print(json.load(sys.stdin)['certificate'])" \
    > "$HOST_KEY-cert.pub"

echo "Configuring sshd..."
CONF=/etc/ssh/sshd_config
grep -q "^TrustedUserCAKeys" "$CONF" || echo "TrustedUserCAKeys /etc/ssh/sshca_user_ca.pub" >> "$CONF"
sed -i '/^AuthorizedPrincipalsCommand/d' "$CONF"
{
    echo "AuthorizedPrincipalsCommand /usr/local/sbin/sshca-principals %u"
    echo "AuthorizedPrincipalsCommandUser $PRINCIPALS_USER"
} >> "$CONF"
grep -q "^HostCertificate" "$CONF" || echo "HostCertificate $HOST_KEY-cert.pub" >> "$CONF"

sshd -t
systemctl reload sshd || systemctl restart sshd

echo "=== Bootstrap Complete ==="
`
