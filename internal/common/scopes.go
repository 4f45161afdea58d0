package common

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockForUpdate 对查询加行级排他锁
// PostgreSQL/MySQL 下生成 SELECT ... FOR UPDATE；
// SQLite 为单写入者模型，事务天然串行，无需也不支持行锁子句。
func LockForUpdate(db *gorm.DB) *gorm.DB {
	switch db.Dialector.Name() {
	case "postgres", "mysql":
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	default:
		return db
	}
}
