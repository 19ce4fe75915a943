package httpserver

import (
	"fmt"

	"github.com/hathnode/hathnode/pkg/constants"
)

func serverBanner() string {
	return fmt.Sprintf(constants.ServerBannerFmt, constants.ClientVersion)
}
