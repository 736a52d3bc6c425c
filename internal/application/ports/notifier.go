package ports

// NotifierPort pushes launch lifecycle notifications to the operator.
type NotifierPort interface {
	SendValidatorStartedNot(pid int) error
	SendValidatorCrashedNot(exitCode int, attempts int, terminal bool) error
}
