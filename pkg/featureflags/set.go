package featureflags

var (
	// ExpandEnv can enable or disable env expansion in the config file,
	// which can be useful to disable in environments where, e.g., a $
	// sign is a part of the literal password for an LDAP user.
	ExpandEnv = newFlag("expand_env", true)

	// ContinueOnConnectorFailure allows the server to start even if a
	// statically configured connector fails to provision into storage.
	ContinueOnConnectorFailure = newFlag("continue_on_connector_failure", false)

	// ConfigDisallowUnknownFields rejects a config file containing keys
	// the Config struct doesn't recognize, instead of silently ignoring
	// them.
	ConfigDisallowUnknownFields = newFlag("config_disallow_unknown_fields", false)
)
