package domain

import "time"

// SysClient is a tenant owning messaging instances.
type SysClient struct {
	ID            int64     `json:"id,string" form:"id"`
	Name          string    `gorm:"index" json:"name" form:"name"`
	Company       string    `json:"company" form:"company"`
	Email         string    `json:"email" form:"email"`
	Mobile        string    `json:"mobile" form:"mobile"`
	Token         string    `json:"token" form:"token"`                   // tenant api token
	MaxInstances  int       `json:"max_instances" form:"max_instances"`   // plan quota
	InstanceCount int       `json:"instance_count" form:"instance_count"` // cached counter, repaired by reconciliation
	Status        string    `json:"status" form:"status"`
	Remark        string    `json:"remark" form:"remark"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (SysClient) TableName() string {
	return "sys_client"
}
