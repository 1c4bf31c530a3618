package domain

// Settings represents user configurable options.
type Settings struct {
	WorkingHoursPerDay int  `json:"workingHoursPerDay"`
	ShowCompletedTasks bool `json:"showCompletedTasks"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{WorkingHoursPerDay: DefaultWorkingHoursPerDay, ShowCompletedTasks: true}
}
