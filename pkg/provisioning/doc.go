// Package provisioning implements engine.Provisioner.
//
// Memory keeps groups and objects in process and records every call; it backs
// local mode and the plugin tests. SSH drives an operator-supplied hook
// command through a Runner and mirrors each group as a JSON manifest in the
// state directory. The Runner is either an ssh.Client, which reaches a remote
// endpoint and uploads manifests over SFTP, or LocalRunner, which runs the
// hook with /bin/sh on this machine.
package provisioning
