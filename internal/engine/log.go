package engine

import "fabrica/internal/logging"

var (
	engineLog   = logging.For("engine")
	ruleLog     = logging.For("rules")
	webhookLog  = logging.For("webhooks")
	workflowLog = logging.For("workflows")
)
