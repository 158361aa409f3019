package config

// configSchema closes every section except telemetry, which is checked by
// telemetry.Config.Validate after decoding. Durations are Go duration strings.
const configSchema = `
#Duration: string & =~"^(0|([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+)$"

#SSH: {
	host?:                     string
	port?:                     int & >0 & <=65535
	user?:                     string
	auth_method?:              "key" | "password"
	password?:                 string
	private_key_path?:         string
	private_key_passphrase?:   string
	known_hosts_path?:         string
	strict_host_key_checking?: bool
	connection_timeout?:       #Duration
	command_timeout?:          #Duration
}

#Config: {
	storage?: {
		driver?: "sqlite" | "bolt"
		path?:   string
	}
	scheduler?: {
		poll_interval?:  #Duration
		max_parallel?:   int & >=1
		max_attempts?:   int & >=1
		retry_window?:   #Duration
		event_deadline?: #Duration
	}
	allocation?: {
		margin?:            #Duration
		before_end_delta?:  #Duration
		start_grace?:       #Duration
		default_action?:    "default" | "snapshot"
		before_end_script?: string
		resource_types?: [...("physical:host" | "virtual:instance" | "virtual:floatingip" | "network")]
	}
	monitor?: {
		enabled?:        bool
		interval?:       #Duration
		healing_window?: #Duration
		checker?:        "static" | "ssh"
		ssh?:            #SSH
	}
	provisioning?: {
		backend?:      "local" | "exec" | "ssh"
		ssh?:          #SSH
		hook_command?: string
		state_dir?:    string
	}
	policy?: {
		dir?:                string
		watch?:              bool
		max_lease_duration?: #Duration
		name_pattern?:       string
		max_reservations?:   int & >=0
	}
	telemetry?: {...}
}
`
