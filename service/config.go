package service

import "github.com/kardianos/service"

const (
	ServiceName        = "scrapeflow"
	ServiceDisplayName = "Scrapeflow Workflow Runner"
	ServiceDescription = "Runs browser login and table extraction pipelines on request over gRPC and the remote channel"
)

// NewServiceConfig describes the OS service that runs exePath with args.
func NewServiceConfig(exePath string, args []string) *service.Config {
	return &service.Config{
		Name:        ServiceName,
		DisplayName: ServiceDisplayName,
		Description: ServiceDescription,
		Executable:  exePath,
		Arguments:   args,
		Option: service.KeyValue{
			// Windows
			"StartType": "automatic",
			// systemd
			"Restart": "on-failure",
		},
	}
}
