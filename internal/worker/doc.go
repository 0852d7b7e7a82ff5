// Package worker defines the process boundary between the supervisor and the
// node it manages.
//
// Handle is the contract the supervisor drives: a blocking Run that reports
// notification lines through a callback, a command entry point, the node's
// configuration tool, and a version probe. ProcessHandle is the production
// implementation built on os/exec. Tests substitute workertest.Fake.
package worker
