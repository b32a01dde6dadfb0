package main

import (
	"fmt"
	"log"

	flag "github.com/spf13/pflag"

	"github.com/pu-ac-cn/uac-ticket/internal/config"
	"github.com/pu-ac-cn/uac-ticket/internal/database"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
)

// 只清理票据注册表相关表的重置工具：删除 tickets 与 locks 表，然后可选地 AutoMigrate 重建。
// 不会删除数据库、用户或其它表。
//
// 用法：
//
//	go run ./cmd/resetdb --force
//
// 可选参数：
//
//	--recreate  重建表（默认 true）
//	--force     必须为 true 才会执行（安全开关）
//	--config    配置文件路径
func main() {
	recreate := flag.Bool("recreate", true, "是否在清空后重建表")
	force := flag.Bool("force", false, "确认执行清空操作")
	configPath := flag.StringP("config", "c", "", "配置文件路径")
	flag.Parse()

	if !*force {
		log.Fatal("为避免误操作，请加上 --force 参数：go run ./cmd/resetdb --force")
	}

	// 加载配置并连接数据库
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	db, err := database.Open(&cfg.Database)
	if err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close(db)

	m := db.Migrator()
	tables := []any{
		&model.TicketRecord{},
		&model.LockRecord{},
	}

	fmt.Println("开始清空票据注册表相关表...")
	for _, t := range tables {
		if m.HasTable(t) {
			if err := m.DropTable(t); err != nil {
				log.Fatalf("删除表失败: %v", err)
			}
			fmt.Printf("已删除表: %T\n", t)
		}
	}

	if *recreate {
		if err := database.Migrate(db); err != nil {
			log.Fatalf("创建表失败: %v", err)
		}
		fmt.Println("已重建表: tickets, locks")
	}

	fmt.Println("完成。")
}
