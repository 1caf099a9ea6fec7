package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"statical/pkg/models"
	"statical/pkg/utils"
)

// visitedLine formats one visited log line: reference, status and, when
// known, where it went or why it did not.
func visitedLine(e models.ResourceEntry) string {
	status := e.Status
	if status == models.ResourceStatusUnset {
		status = models.ResourceStatusPending
	}
	line := e.Reference + "\t" + status.String()
	switch {
	case e.Status == models.ResourceStatusSkipped && e.SkipReason != "":
		line += "\t" + string(e.SkipReason)
	case e.Status == models.ResourceStatusFailure && e.ErrorType != "":
		line += "\t" + e.ErrorType
	case e.Status == models.ResourceStatusSuccess && e.LocalPath != "":
		line += "\t" + e.LocalPath
	}
	return line + "\n"
}

// writeVisitedLog streams the entries produced by forEach to filePath.
func writeVisitedLog(filePath string, forEach func(fn func(models.ResourceEntry) error) error, log *logrus.Entry) error {
	log.Info("Writing visited references log...")
	if err := utils.EnsureDir(filepath.Dir(filePath)); err != nil {
		return err
	}
	file, err := os.Create(filePath)
	if err != nil {
		log.Errorf("Failed create visited log '%s': %v", filePath, err)
		return &utils.WriteError{Path: filePath, Err: err}
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	writtenCount := 0
	iterErr := forEach(func(e models.ResourceEntry) error {
		if _, err := writer.WriteString(visitedLine(e)); err != nil {
			return &utils.WriteError{Path: filePath, Err: err}
		}
		writtenCount++
		return nil
	})
	if iterErr != nil {
		log.Errorf("Error while writing visited log: %v", iterErr)
		return iterErr
	}

	if err := writer.Flush(); err != nil {
		return &utils.WriteError{Path: filePath, Err: fmt.Errorf("flush: %w", err)}
	}
	if err := file.Sync(); err != nil {
		return &utils.WriteError{Path: filePath, Err: fmt.Errorf("sync: %w", err)}
	}
	log.Infof("Finished writing %d references to visited log: %s", writtenCount, filePath)
	return nil
}
