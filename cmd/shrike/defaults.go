package main

import "github.com/0x4D31/shrike/internal/loader"

const (
	defaultConfigFile = "configs/shrike.hcl"
	defaultPolicyFile = loader.DefaultPolicyFile
	defaultEventLog   = loader.DefaultEventLog
	defaultListenBind = loader.DefaultListenBind
)
