package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOpr{},
	&SysOprLog{},
	&SysClient{},
	// Messaging
	&Instance{},
	&WebhookSubscription{},
	&SyncScheduler{},
}
