package tgutil

import (
	"github.com/gotd/td/telegram"

	"github.com/beast-69-bot/azmegadownloader/constant"
)

//nolint:exhaustruct
var Device = telegram.DeviceConfig{
	DeviceModel:   "azmegadownloader",
	SystemVersion: "Linux",
	AppVersion:    constant.Version,
}
