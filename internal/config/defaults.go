package config

const (
	defaultConfigPath            = "~/.config/nodekeeper/config.toml"
	defaultStateDir              = "~/.local/share/nodekeeper"
	defaultWorkingDir            = "~/.local/share/nodekeeper/node"
	defaultAssetBundle           = "/opt/cellframe-node/assets"
	defaultSocketName            = "nodekeeper.sock"
	defaultWorkerBinary          = "cellframe-node"
	defaultCLIBinary             = "cellframe-node-cli"
	defaultConfigBinary          = "cellframe-node-config"
	defaultExitCommand           = "exit"
	defaultSetupCommand          = "--init share/default.setup"
	defaultCommandPolicy         = CommandPolicyQueue
	defaultCommandTimeout        = 30
	defaultQueueSize             = 1024
	defaultSubscriberBuffer      = 256
	defaultDeliveryTimeoutMS     = 250
	defaultHistoryRetention      = 5000
	defaultAPIBind               = "127.0.0.1:7590"
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	workingDirPlaceholder        = "{workdir}"
	maxNotificationQueueCapacity = 1 << 20
)

// Command policies decide what a second concurrent command does.
const (
	CommandPolicyQueue  = "queue"
	CommandPolicyReject = "reject"
)

// WorkingDirPlaceholder is substituted with the working directory in worker args.
const WorkingDirPlaceholder = workingDirPlaceholder

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkingDir:  defaultWorkingDir,
			StateDir:    defaultStateDir,
			AssetBundle: defaultAssetBundle,
		},
		Worker: Worker{
			Binary:         defaultWorkerBinary,
			Args:           []string{"-D", workingDirPlaceholder},
			CLIBinary:      defaultCLIBinary,
			ConfigBinary:   defaultConfigBinary,
			ExitCommand:    defaultExitCommand,
			SetupCommand:   defaultSetupCommand,
			CommandPolicy:  defaultCommandPolicy,
			CommandTimeout: defaultCommandTimeout,
		},
		Notifications: Notifications{
			QueueSize:         defaultQueueSize,
			SubscriberBuffer:  defaultSubscriberBuffer,
			DeliveryTimeoutMS: defaultDeliveryTimeoutMS,
			HistoryEnabled:    true,
			HistoryRetention:  defaultHistoryRetention,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
