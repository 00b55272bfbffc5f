package bundle

import (
	"fmt"

	"github.com/google/uuid"
)

// runScript renders run.<id>.sh, the detached payload of a start bundle.
// It stages the TLS material into the session workdir, starts the listener
// (stunnel when the device has it, openssl s_server as the fallback) and
// records the listener PID for the cleanup bundle. Ten seconds in, the key
// material is scrubbed from disk; the running listener keeps its copy in
// memory.
func runScript(id uuid.UUID, port int) []byte {
	script := fmt.Sprintf(`#!/bin/sh
id=%s
workdir=%s
ssl_port=%d

cd $(dirname $0)

mkdir $workdir
mv server.pem client_ca.pem stunnel.conf $workdir/

export HOME=/root
export PATH=$PATH:/usr/sbin
export PS1=$(hostname)'# '
cd

if command -v stunnel >/dev/null
then
  echo 'starting sh-over-TLS via stunnel on port '$ssl_port
  stunnel $workdir/stunnel.conf
elif command -v openssl >/dev/null 2>&1
then
  echo 'starting sh-over-TLS via openssl on port '$ssl_port

  mkfifo $workdir/c2s
  sh -i <$workdir/c2s 2>&1 | \
      openssl s_server -quiet \
      -port $ssl_port \
      -cert $workdir/server.pem \
      -key $workdir/server.pem \
      -CAfile $workdir/client_ca.pem \
      -Verify 1 \
      -verify_return_error \
      >$workdir/c2s &
  echo $! >$workdir/listener.pid
else
  echo 'fatal: neither stunnel nor openssl is available'
fi

sleep 10
rm -f $workdir/server.pem $workdir/client_ca.pem $workdir/stunnel.conf

false
`, id, Workdir(id), port)

	return []byte(script)
}

// stunnelConfig renders the stunnel service definition for the payload
// listener: present the device identity from server.pem, require a client
// certificate chaining to client_ca.pem, attach an interactive shell to
// each accepted connection.
func stunnelConfig(id uuid.UUID, port int) []byte {
	workdir := Workdir(id)

	config := fmt.Sprintf(`pid = %[1]s/stunnel.pid

[sh]
accept   = %[2]d
exec     = /bin/sh
execArgs = sh -i
cert     = %[1]s/server.pem
CAfile   = %[1]s/client_ca.pem
verifyChain = yes
`, workdir, port)

	return []byte(config)
}
