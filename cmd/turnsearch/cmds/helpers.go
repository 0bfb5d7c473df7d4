package cmds

import (
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnsearch/pkg/config"
	"github.com/go-go-golems/turnsearch/pkg/logging"
)

var logCloser io.Closer

func InitLogging(cmd *cobra.Command) error {
	s, err := config.Load(cmd)
	if err != nil {
		return err
	}
	c, err := logging.Init(s.Logging)
	if err != nil {
		return err
	}
	logCloser = c
	return nil
}

func CloseLogging() {
	if logCloser == nil {
		return
	}
	if err := logCloser.Close(); err != nil {
		log.Warn().Err(err).Msg("close log file")
	}
	logCloser = nil
}
