package crawler

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"statical/pkg/models"
	"statical/pkg/utils"
)

// writeSummary writes the crawl summary as YAML to path.
func writeSummary(summary *models.CrawlSummary, path string, log *logrus.Entry) error {
	log.Infof("Preparing to write crawl summary to: %s", path)

	yamlData, err := yaml.Marshal(summary)
	if err != nil {
		log.Errorf("Failed to marshal crawl summary to YAML: %v", err)
		return fmt.Errorf("marshal crawl summary for run '%s': %w", summary.RunID, err)
	}

	if _, err := utils.WriteText(path, string(yamlData)); err != nil {
		log.Errorf("Failed to write crawl summary '%s': %v", path, err)
		return err
	}

	log.Infof("Successfully wrote crawl summary (%d resources) to %s", len(summary.Resources), path)
	return nil
}
