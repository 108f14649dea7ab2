package main

import (
	"github.com/shardlog/shardlog/cmd"
	"github.com/shardlog/shardlog/pkg/rlog"
	"github.com/shardlog/shardlog/version"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// go ldflags
var Version string    // version
var Commit string     // git commit id
var CommitDate string // git commit date
var TreeState string  // git tree state

func main() {

	version.Version = Version
	version.Commit = Commit
	version.CommitDate = CommitDate
	version.TreeState = TreeState

	undo, err := maxprocs.Set()
	defer undo()
	if err != nil {
		rlog.Warn("maxprocs set error", zap.Error(err))
	}

	cmd.Execute()

}
