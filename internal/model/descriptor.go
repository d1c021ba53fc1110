package model

// AutomationDescriptor describes a task before it is registered. It is the
// shape used by the built-in catalog, the config file and the add-automation
// endpoint.
type AutomationDescriptor struct {
	ID          string       `json:"id,omitempty" mapstructure:"id"`
	Name        string       `json:"name" mapstructure:"name"`
	Description string       `json:"description,omitempty" mapstructure:"description"`
	Schedule    string       `json:"schedule" mapstructure:"schedule"`
	Endpoint    string       `json:"endpoint" mapstructure:"endpoint"`
	Priority    TaskPriority `json:"priority,omitempty" mapstructure:"priority"`
	Enabled     *bool        `json:"enabled,omitempty" mapstructure:"enabled"`
}

// IsEnabled defaults to true when Enabled is unset
func (d AutomationDescriptor) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}
